// Command licensectl is the operator tool for the license ledger: batch
// issuance and export, key inspection and revocation, domain resets, and
// activation of the local deployment.
package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"
)

// Version is set at build time
var Version = "dev"

func main() {
	root := newCLI(os.Stdout).rootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
