package main

import (
	"os"

	"github.com/netshare/netshare/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
