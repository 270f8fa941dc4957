package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "dowhiz",
		Short: "DoWhiz digital employee service",
		Long: `DoWhiz runs digital employees reachable over email, Slack, Discord,
SMS, iMessage, Telegram and Google Docs comments.

  dowhiz serve   run the webhook ingestion gateway
  dowhiz work    run the queue consumer and task dispatcher`,
		Version: version,
	}
	root.AddCommand(newServeCmd(), newWorkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
