package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the content cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			stats, err := eng.Cache().Stats(ctx)
			if err != nil {
				return err
			}
			generated, err := eng.Store().CountGenerated(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Namespace: %s\nEntries:   %d\nBytes:     %d\nGenerated: %d\n",
				stats.Namespace, stats.Entries, stats.Bytes, generated)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := eng.Cache().Clear(context.Background(), expiredOnly)
			if err != nil {
				return err
			}
			if expiredOnly {
				fmt.Printf("Cleared %d expired cache entries.\n", n)
			} else {
				fmt.Printf("Cleared %d cache entries.\n", n)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
