package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowsync/rowsync/internal/synclog"
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Inspect and manage peer cursors",
}

var clientsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		list, err := eng.Clients().List(conn)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no clients tracked")
			return nil
		}
		for _, c := range list {
			last := "never"
			if c.LastSyncTimestamp != nil {
				last = synclog.FormatTime(*c.LastSyncTimestamp)
			}
			fmt.Printf("%s  version=%d  last_sync=%s\n", c.OriginID, c.LastSyncVersion, last)
		}
		return nil
	},
}

var clientsRegisterCmd = &cobra.Command{
	Use:   "register <origin> [version]",
	Short: "Register a peer at an initial cursor",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		var version int64
		if len(args) == 2 {
			version, err = strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad version %q: %w", args[1], err)
			}
		}
		if err := eng.RegisterClient(args[0], version); err != nil {
			return err
		}
		fmt.Printf("registered %s at version %d\n", args[0], version)
		return nil
	},
}

var clientsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete peers unseen past the staleness window",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, conn, err := openEngine()
		if err != nil {
			return err
		}
		defer conn.Close()

		stale, err := eng.Retention().StaleClients(conn, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			fmt.Println("no stale clients")
			return nil
		}
		n, err := eng.Clients().DeleteMultiple(conn, stale)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale clients\n", n)
		return nil
	},
}

func init() {
	clientsCmd.AddCommand(clientsListCmd, clientsRegisterCmd, clientsPruneCmd)
	rootCmd.AddCommand(clientsCmd)
}
