package main

import (
	"context"
	"fmt"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/executor"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/recfabric/rec/pkg/runtime"
	"github.com/recfabric/rec/pkg/storage"
	"github.com/spf13/cobra"
)

var executorCmd = &cobra.Command{
	Use:   "executor <root_directory>",
	Short: "Run the Executor role",
	Long:  `Admit, schedule, and run WASI jobs. root_directory holds both the named-data cache (database.db, blobs/) and each job's working files (job-*/).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := selfEID(cmd)
		if err != nil {
			return err
		}
		self, err := eid.Parse(id)
		if err != nil {
			return fmt.Errorf("parse --id: %w", err)
		}
		socket, _ := cmd.Flags().GetString("socket")
		rootDir := args[0]
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			waitForSignal()
			cancel()
		}()

		rt, err := runtime.New(ctx)
		if err != nil {
			return fmt.Errorf("init wasi runtime: %w", err)
		}
		defer rt.Close(ctx)

		store, err := storage.Open(rootDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		m := metrics.New()
		serveMetrics(metricsAddr, m)

		e := executor.New(self, socket, rootDir, rt, store, m)
		log.Logger.Info().Str("eid", self.String()).Str("socket", socket).
			Str("root_directory", rootDir).Msg("starting executor")

		return e.Run(ctx)
	},
}
