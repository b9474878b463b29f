// Command kpmatch matches free-text questions against a curated collection
// of knowledge points. It provides a CLI (via Cobra) and an optional HTTP
// server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/kpmatch-go/cmd/kpmatch/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
