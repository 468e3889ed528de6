/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the payroll reconciliation service. Every
  subcommand loads the same configuration and wires the same stack.

COMMANDS:
  serve    HTTP API; also consumes the queue in-process unless --worker=false
  worker   Queue consumer only (lmstfy driver, so it can run apart from serve)
  detect   One synchronous detection pass, report JSON on stdout

CONFIGURATION:
  --config path.yaml, then PAYRECON_* environment variables (a .env file is
  read if present). See config/config.go for every key.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop consuming and drain in-flight jobs
  4. Close Redis and the database

EXAMPLES:
  ./server serve --config ./payroll-recon.yaml
  PAYRECON_QUEUE_DRIVER=lmstfy ./server worker
  ./server detect --tenant acme --run 6f1c...

SEE ALSO:
  - app.go: Dependency wiring
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Payroll reconciliation: anomaly detection, review and traceability",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(detectCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
