package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// A missing .env is fine; the environment is used as is.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "offlinekit",
		Short:        "Offline-first sync and caching proxy",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newQueueCmd(),
		newCacheCmd(),
		newTemplatesCmd(),
		newDeadLetterCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
