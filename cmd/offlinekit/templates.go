package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTemplatesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect and refresh offline chat templates",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			recs, err := eng.Store().ListTemplates(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatTemplates(recs))
			return nil
		},
	}

	primeCmd := &cobra.Command{
		Use:   "prime",
		Short: "Fetch templates from the server, or seed the local set",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := eng.PrimeTemplates(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Stored %d templates.\n", n)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(listCmd, primeCmd)
	return cmd
}
