// Command zinoctl is a single-shot CLI client for the zino command
// protocol (spec §6 "CLI"): one operator command per invocation, not an
// interactive shell.
package main

import "github.com/Uninett/zino/cmd/zinoctl/commands"

func main() {
	commands.Execute()
}
