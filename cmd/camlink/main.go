package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func NewCamlinkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "camlink",
		Short:        "Pair a capturing device with a viewing device",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		NewRunCommand(),
		NewVersionCommand(),
	)
	return cmd
}

func main() {
	if err := NewCamlinkCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
