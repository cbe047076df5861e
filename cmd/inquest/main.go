package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:   "inquest",
		Short: "Multi-agent research engine",
	}

	root.AddCommand(serveCMD(), runCMD(), migrateCMD(), toolsCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
