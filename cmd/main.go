package main

import (
	"os"

	"github.com/openaccel/npud/internal/daemon_cmd"
)

func main() {
	cli := daemon_cmd.NewDaemonCommand()
	err := cli.Execute()
	if err != nil {
		os.Exit(1)
	}
}
