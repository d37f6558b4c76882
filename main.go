// The main package for the sentinel executable.
package main

import (
	"github.com/socialwatch/sentinel/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
