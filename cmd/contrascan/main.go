package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pendergraft/contrascan/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)

		// Distinguish a failed gate from a failed run in CI
		var thresholdErr *cli.ThresholdError
		if errors.As(err, &thresholdErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
