package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/dittodds/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a default configuration file to the standard location (or the
path given with --config). Existing files are preserved unless --force
is passed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := GetConfigFile()
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteSample(path, initForce); err != nil {
			return err
		}
		fmt.Printf("Wrote configuration to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}
