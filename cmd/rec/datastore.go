package main

import (
	"context"
	"fmt"

	"github.com/recfabric/rec/pkg/datastore"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/recfabric/rec/pkg/storage"
	"github.com/spf13/cobra"
)

var datastoreCmd = &cobra.Command{
	Use:   "datastore <root_directory>",
	Short: "Run the Datastore role",
	Long:  `Serve named-data PUT/GET bundles against a content-addressed store rooted at root_directory (database.db and blobs/ live there).`,
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

		store, err := storage.Open(rootDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		m := metrics.New()
		serveMetrics(metricsAddr, m)

		d := datastore.New(self, socket, store, m)
		log.Logger.Info().Str("eid", self.String()).Str("socket", socket).Str("root_directory", rootDir).Msg("starting datastore")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			waitForSignal()
			cancel()
		}()
		return d.Run(ctx)
	},
}
