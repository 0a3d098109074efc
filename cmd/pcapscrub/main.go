package main

import (
	"os"

	"github.com/podscope/pcapscrub/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
