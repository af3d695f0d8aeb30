package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func caseidsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caseids",
		Short: "List open event (case) IDs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSingle("CASEIDS")
		},
	}
}

func getattrsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "getattrs <event-id>",
		Short: "Print every attribute of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("GETATTRS %s", args[0]))
		},
	}
}

func gethistCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gethist <event-id>",
		Short: "Print an event's history log",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("GETHIST %s", args[0]))
		},
	}
}

func getlogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "getlog <event-id>",
		Short: "Print an event's operator log",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("GETLOG %s", args[0]))
		},
	}
}

func setstateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setstate <event-id> <state>",
		Short: "Force an event's lifecycle state (open, working, waiting, ignored, confirm-wait, closed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("SETSTATE %s %s", args[0], args[1]))
		},
	}
}

func addhistCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "addhist <event-id>",
		Short: "Append an operator history entry to an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			prompt, err := c.commandExpectPrompt(fmt.Sprintf("ADDHIST %s", args[0]))
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
	cmd.Flags().StringVar(&text, "text", "", "history text to append (use \\n for multiple lines)")
	return cmd
}

func communityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "community <device>",
		Short: "Print a device's configured SNMP community",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("COMMUNITY %s", args[0]))
		},
	}
}

func pollrtrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pollrtr <device>",
		Short: "Trigger an immediate confirming poll of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("POLLRTR %s", args[0]))
		},
	}
}

func pollintfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pollintf <device> <ifindex>",
		Short: "Trigger an immediate confirming poll of one interface",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("POLLINTF %s %s", args[0], args[1]))
		},
	}
}

func clearflapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clearflap <device> <ifindex>",
		Short: "Clear an interface's flap counters without touching its event state",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runSingle(fmt.Sprintf("CLEARFLAP %s %s", args[0], args[1]))
		},
	}
}
