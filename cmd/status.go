package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the replica's sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		s, err := eng.State()
		if err != nil {
			return err
		}
		fmt.Printf("origin:      %s\n", s.OriginID)
		fmt.Printf("entries:     %d (versions %d..%d)\n", s.EntryCount, s.OldestVersion, s.MaxVersion)
		fmt.Printf("clients:     %d\n", s.ClientCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
