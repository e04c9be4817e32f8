// Package main is the entry point for the posdesk desktop shell.
package main

import (
	"os"

	"posdesk/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
