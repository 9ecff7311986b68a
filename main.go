// The main package for the pipeline executable.
package main

import (
	"github.com/JakeFAU/realtime-cpi-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
