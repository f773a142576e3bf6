// Command atm is the ATM ledger and authentication core.
package main

import (
	"os"

	"github.com/atmcore/atm/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
