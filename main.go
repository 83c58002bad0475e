// The main package for the crawler executable.
package main

import (
	"github.com/Chitransh6827/INSTA-CRAWLER/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
