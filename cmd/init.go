package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagOrigin string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create sync metadata and install capture triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		origin, err := eng.Initialize(flagOrigin)
		if err != nil {
			return err
		}
		fmt.Printf("initialized, origin %s\n", origin)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&flagOrigin, "origin", "", "origin UUID (generated when empty)")
	rootCmd.AddCommand(initCmd)
}
