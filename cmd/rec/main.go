// Command rec runs any one of the fabric's four node roles, or drives the
// Client role interactively from a script or terminal.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rec",
	Short: "rec runs nodes of a delay-tolerant WASI compute fabric",
	Long: `rec runs a Broker, Datastore, or Executor node against a DTN
agent's Unix-socket bundle protocol, or drives the Client role to submit
jobs, query their status, and move named data in and out of the fabric.`,
}

func init() {
	rootCmd.PersistentFlags().StringP("id", "i", "", "this node's dtn:// or ipn: endpoint identifier (required)")
	rootCmd.PersistentFlags().StringP("socket", "s", "/tmp/rec_test_1.sock", "path to the DTN agent's Unix socket")
	rootCmd.PersistentFlags().BoolP("v", "v", false, "verbose (debug-level) logging")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(datastoreCmd)
	rootCmd.AddCommand(executorCmd)
	rootCmd.AddCommand(clientCmd)
}

func initLogging() {
	verbose, _ := rootCmd.PersistentFlags().GetBool("v")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{
		Level:      level,
		JSONOutput: logJSON,
	})
}

func selfEID(cmd *cobra.Command) (string, error) {
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		return "", fmt.Errorf("--id is required")
	}
	return id, nil
}

// serveMetrics starts a background HTTP server exposing m's /metrics
// endpoint at addr, or does nothing if addr is empty.
func serveMetrics(addr string, m *metrics.Registry) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
}

// waitForSignal blocks until SIGINT or SIGTERM is received.
func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
