package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/triggers"
)

var triggersCmd = &cobra.Command{
	Use:   "triggers",
	Short: "Manage capture triggers",
}

var triggersInstallCmd = &cobra.Command{
	Use:   "install [table...]",
	Short: "Install (or regenerate) capture triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		if len(args) == 0 {
			tables, err := triggers.InstallAll(conn, eng.Dialect())
			if err != nil {
				return err
			}
			fmt.Printf("triggers installed on %d tables\n", len(tables))
			return nil
		}
		for _, t := range args {
			if err := triggers.Install(conn, eng.Dialect(), t); err != nil {
				return err
			}
			fmt.Printf("triggers installed on %s\n", t)
		}
		return nil
	},
}

var triggersDropCmd = &cobra.Command{
	Use:   "drop <table>...",
	Short: "Remove capture triggers from tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		for _, t := range args {
			if err := triggers.Drop(conn, eng.Dialect(), t); err != nil {
				return err
			}
			fmt.Printf("triggers dropped from %s\n", t)
		}
		return nil
	},
}

func init() {
	triggersCmd.AddCommand(triggersInstallCmd, triggersDropCmd)
	rootCmd.AddCommand(triggersCmd)
}
