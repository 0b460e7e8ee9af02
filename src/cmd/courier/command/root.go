package command

import (
	"fmt"
	"os"

	"github.com/couriernet/courier/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for Courier
var RootCmd = &cobra.Command{
	Use:              "courier",
	Short:            "courier reliable messaging",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		VersionCmd,
	)
}

// Execute runs the root command and reports errors on stderr
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)

		os.Exit(1)
	}
}
