// Command docpipe ingests documents into a SQLite document store and a
// vector index, re-chunks them with a parse backend, and serves search over
// HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/54b3r/docpipe-go/cmd/docpipe/commands"
)

func main() {
	// A missing .env is normal; existing env vars are never overwritten.
	_ = godotenv.Load()

	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
