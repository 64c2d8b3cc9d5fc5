// Command chatctl is a command line chat client. Mutations are applied to
// the local store first and synced in the background; anything not yet
// confirmed when the command exits is resumed by the next run.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
