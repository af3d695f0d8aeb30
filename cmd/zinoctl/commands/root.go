package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the zino command-protocol address (host:port).
	serverAddr string
	// user and password authenticate the session (spec §4.6).
	user     string
	password string
	// dialTimeout bounds the initial TCP connect.
	dialTimeout time.Duration
)

// rootCmd is the top-level cobra command for zinoctl.
var rootCmd = &cobra.Command{
	Use:   "zinoctl",
	Short: "CLI client for the zino daemon's command protocol",
	Long:  "zinoctl sends a single operator command to a running zino daemon over its legacy line-oriented command protocol and prints the response.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:8001",
		"zino command-protocol address (host:port)")
	rootCmd.PersistentFlags().StringVar(&user, "user", os.Getenv("ZINOCTL_USER"),
		"username for the command-protocol handshake (default: $ZINOCTL_USER)")
	rootCmd.PersistentFlags().StringVar(&password, "password", os.Getenv("ZINOCTL_PASSWORD"),
		"password for the command-protocol handshake (default: $ZINOCTL_PASSWORD)")
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "timeout", 5*time.Second,
		"connection timeout")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(caseidsCmd())
	rootCmd.AddCommand(getattrsCmd())
	rootCmd.AddCommand(gethistCmd())
	rootCmd.AddCommand(getlogCmd())
	rootCmd.AddCommand(setstateCmd())
	rootCmd.AddCommand(addhistCmd())
	rootCmd.AddCommand(communityCmd())
	rootCmd.AddCommand(pollrtrCmd())
	rootCmd.AddCommand(pollintfCmd())
	rootCmd.AddCommand(clearflapCmd())
	rootCmd.AddCommand(pmCmd())
	rootCmd.AddCommand(rawCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// connect dials the daemon and authenticates, ready for exactly one
// command (spec §6: zinoctl is a single-shot client, not a REPL).
func connect() (*client, error) {
	c, err := dial(serverAddr, dialTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.authenticate(user, password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// runSingle dials, authenticates, sends one command line, prints the
// response, and reports a non-2xx status as an error.
func runSingle(line string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Command(line)
	if err != nil {
		return fmt.Errorf("command %q: %w", line, err)
	}
	printResponse(resp)
	if resp.code >= 500 {
		return fmt.Errorf("server returned %d", resp.code)
	}
	return nil
}

func printResponse(resp response) {
	fmt.Printf("%d %s\n", resp.code, resp.text)
	for _, line := range resp.lines {
		fmt.Println(line)
	}
}
