package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newQueueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the mutation queue",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many mutations are queued",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Printf("Queued: %d\n", eng.QueueStatus(context.Background()))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := eng.Queue().List(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatQueue(items))
			return nil
		},
	}

	var credential string
	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if credential == "" {
				credential = os.Getenv("OFFLINEKIT_CREDENTIAL")
			}
			res, err := eng.DrainNow(context.Background(), credential)
			if err != nil {
				return err
			}
			fmt.Printf("Attempted: %d\nSent:      %d\nRejected:  %d\nFailed:    %d\nRemaining: %d\n",
				res.Attempted, res.Sent, res.Rejected, res.Failed, res.Remaining)
			return nil
		},
	}
	drainCmd.Flags().StringVar(&credential, "credential", "", "bearer token for replay (default $OFFLINEKIT_CREDENTIAL)")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued mutation",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := eng.Queue().Clear(context.Background()); err != nil {
				return err
			}
			fmt.Println("Mutation queue cleared.")
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statusCmd, listCmd, drainCmd, clearCmd)
	return cmd
}
