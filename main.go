package main

import (
	"os"

	"gonetguard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
