package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ingest.groundswell.dev/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and dependency information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.GetBuildInfo()
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
