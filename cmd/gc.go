package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var flagCompact bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Purge expired subscriptions and reclaimable tombstones",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		now := time.Now().UTC()
		res, err := eng.GC(now)
		if err != nil {
			return err
		}
		fmt.Printf("expired subscriptions: %d\n", res.ExpiredSubscriptions)
		fmt.Printf("purged tombstones:     %d\n", res.PurgedTombstones)

		if flagCompact {
			n, err := eng.Retention().Compact(conn, now)
			if err != nil {
				return err
			}
			fmt.Printf("compacted entries:     %d\n", n)
		}
		return nil
	},
}

func init() {
	gcCmd.Flags().BoolVar(&flagCompact, "compact", false, "also compact the full log below the safe purge version")
	rootCmd.AddCommand(gcCmd)
}
