// The main package for the jobstream executable.
package main

import (
	"github.com/JakeFAU/jobstream/cmd"
)

func main() {
	cmd.Execute()
}
