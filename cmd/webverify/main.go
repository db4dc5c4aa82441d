// Command webverify operates the document verification session layer.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/webverify/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
