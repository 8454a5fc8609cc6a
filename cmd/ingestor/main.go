// The main package for the ingestor executable.
package main

import "github.com/JakeFAU/content-ingest/internal/cli"

func main() {
	cli.Execute()
}
