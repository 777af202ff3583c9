// Package main is the entry point for the twister admission daemon and CLI.
package main

import (
	"os"

	"firestige.xyz/twister/cmd"
)

func main() {
	os.Exit(cmd.Main())
}
