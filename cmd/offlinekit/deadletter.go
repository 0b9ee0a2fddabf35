package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/offlinekit/pkg/models"
)

func newDeadLetterCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect mutations the server rejected",
	}

	var (
		path  string
		since string
		limit int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List rejected mutations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.DeadLetterQueryOpts{Path: path, Limit: limit}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}
			entries, err := eng.DeadLetters().Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatDeadLetters(entries))
			return nil
		},
	}
	listCmd.Flags().StringVar(&path, "path", "", "filter by request path")
	listCmd.Flags().StringVar(&since, "since", "", "only entries on or after this date (YYYY-MM-DD)")
	listCmd.Flags().IntVar(&limit, "limit", 50, "max entries to show")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := eng.DeadLetters().Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d dead letters.\n", deleted)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(listCmd, cleanupCmd)
	return cmd
}
