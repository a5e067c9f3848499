// The main package for the social-ingest executable.
package main

import (
	"os"

	"github.com/JakeFAU/social-ingest/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
