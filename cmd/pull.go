package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/syncerr"
)

var (
	flagFrom  int64
	flagLimit int
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch a batch of change entries as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		res, err := eng.Pull(cmd.Context(), flagFrom, flagLimit)
		if err != nil {
			if syncerr.IsFullResync(err) {
				return fmt.Errorf("peer has fallen behind the retained window: %w", err)
			}
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Entries   any    `json:"entries"`
			BatchHash string `json:"batchHash"`
		}{res.Entries, res.BatchHash})
	},
}

func init() {
	pullCmd.Flags().Int64Var(&flagFrom, "from", 0, "fetch entries with version greater than this")
	pullCmd.Flags().IntVar(&flagLimit, "limit", 500, "maximum entries")
	rootCmd.AddCommand(pullCmd)
}
