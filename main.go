// The main package for the firescrape executable.
package main

import (
	"github.com/JakeFAU/firescrape/cmd"
)

func main() {
	cmd.Execute()
}
