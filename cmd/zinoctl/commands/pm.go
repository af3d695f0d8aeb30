package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// pmCmd groups the planned-maintenance subcommands under "zinoctl pm ..."
// (spec §4.6 "PM ADD, PM LIST, PM CANCEL ...").
func pmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pm",
		Short: "Manage planned maintenance rules",
	}
	cmd.AddCommand(pmAddCmd())
	cmd.AddCommand(pmListCmd())
	cmd.AddCommand(pmCancelCmd())
	cmd.AddCommand(pmDetailsCmd())
	cmd.AddCommand(pmMatchingCmd())
	cmd.AddCommand(pmLogCmd())
	cmd.AddCommand(pmAddLogCmd())
	return cmd
}

// parseWhen accepts either a Unix timestamp or an RFC3339 time, for
// operator convenience at the shell.
func parseWhen(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("expected a unix timestamp or RFC3339 time, got %q", s)
	}
	return t.Unix(), nil
}

func pmAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <start> <end> <target> <matchtype> <device> [expr...]",
		Short: "Add a planned maintenance rule (target: portstate|device, matchtype: exact|str|regexp|intf-regexp)",
		Args:  cobra.MinimumNArgs(5),
		RunE: func(_ *cobra.Command, args []string) error {
			start, err := parseWhen(args[0])
			if err != nil {
				return err
			}
			end, err := parseWhen(args[1])
			if err != nil {
				return err
			}
			line := fmt.Sprintf("PM ADD %d %d %s %s %s", start, end, args[2], args[3], args[4])
			if len(args) > 5 {
				line += " " + strings.Join(args[5:], " ")
			}
			return runSingle(line)
		},
	}
}

func pmListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List planned maintenance rules",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSingle("PM LIST")
		},
	}
}

func pmCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a planned maintenance rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("PM CANCEL %s", args[0]))
		},
	}
}

func pmDetailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "details <id>",
		Short: "Print a planned maintenance rule's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("PM DETAILS %s", args[0]))
		},
	}
}

func pmMatchingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "matching <id>",
		Short: "List currently open cases a planned maintenance rule matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("PM MATCHING %s", args[0]))
		},
	}
}

func pmLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Print a planned maintenance rule's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("PM LOG %s", args[0]))
		},
	}
}

func pmAddLogCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "addlog <id>",
		Short: "Append a log entry to a planned maintenance rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			prompt, err := c.commandExpectPrompt(fmt.Sprintf("PM ADDLOG %s", args[0]))
			if err != nil {
				return err
			}
			if prompt.code != 300 {
				printResponse(prompt)
				return fmt.Errorf("server returned %d", prompt.code)
			}

			resp, err := c.sendDataBlock(text)
			if err != nil {
				return err
			}
			printResponse(resp)
			if resp.code >= 500 {
				return fmt.Errorf("server returned %d", resp.code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "log text to append (use \\n for multiple lines)")
	return cmd
}
