// Command sesame keeps conversation history in storage in step with the
// context a producer sends.
package main

import (
	"fmt"
	"os"

	"github.com/opensesame/sesame/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
