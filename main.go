// The main package for the politefetch executable.
package main

import (
	"github.com/JakeFAU/polite-fetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
