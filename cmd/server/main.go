/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the restaurant operations core: kitchen sub-order
  lifecycle, client wallets and gateway payments behind one HTTP API.

COMMANDS:
  serve     Open the store, wire the services, serve HTTP until SIGINT/SIGTERM
  migrate   Create or update the schema, then exit

STARTUP SEQUENCE (serve):
  1. Load configuration (environment, optional .env)
  2. Open the store selected by DATABASE_DRIVER (sqlite or postgres)
  3. Open the audit sink selected by EVENT_SINK (log, rabbitmq, kafka)
  4. Build the kitchen, wallet and payment services
  5. Configure the HTTP router and start serving

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the audit sink and the database
  4. Exit

ENVIRONMENT:
  See config/config.go for every variable and its default.

EXAMPLES:
  # Run with a file database
  SQLITE_PATH=./data/restaurant.db ./server serve

  # Run against postgres, publishing audit events to rabbitmq
  DATABASE_DRIVER=postgres DATABASE_URL=postgres://... \
  EVENT_SINK=rabbitmq RABBITMQ_URL=amqp://... ./server serve

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Restaurant operations core: kitchen, wallets and payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
