package main

import (
	"github.com/awnumar/memguard"

	"southwinds.dev/keyvault/cli/cmd"
)

func main() {
	// wipe enclaves on SIGINT/SIGTERM
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
