// Command entityctx compiles and checks repository query declarations and
// runs the member repository demo.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/entityctx/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// Commands print their own ExitErrors.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
