// The main package for the sitemirror executable.
package main

import (
	"github.com/sitemirror/sitemirror/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
