package kv

import (
	"fmt"

	"github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Long:  "Sets the value for a key in its own transaction. With --lifespan the entry expires after the given duration (e.g. 90s, 1h).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lifespan, err := cmd.Flags().GetDuration("lifespan")
			if err != nil {
				return err
			}
			ctx, cancel := util.CommandContext(cmd)
			defer cancel()
			if err := rpcCache.Put(ctx, args[0], []byte(args[1]), lifespan); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.CommandContext(cmd)
			defer cancel()
			key := args[0]
			resp, ok, err := rpcCache.Get(ctx, key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Removes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.CommandContext(cmd)
			defer cancel()
			if err := rpcCache.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("removed successfully")
			return nil
		},
	}
)

func init() {
	putCmd.Flags().Duration("lifespan", 0, util.WrapString("Lifespan of the entry; 0 stores an entry that never expires"))
}
