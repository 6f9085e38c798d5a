package main

import (
	"context"
	"fmt"

	"github.com/recfabric/rec/pkg/broker"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/spf13/cobra"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the Broker role",
	Long:  `Announce this broker to the fabric and answer discovery and job-query bundles.`,
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
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		m := metrics.New()
		serveMetrics(metricsAddr, m)

		b := broker.New(self, socket, m)
		log.Logger.Info().Str("eid", self.String()).Str("socket", socket).Msg("starting broker")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			waitForSignal()
			cancel()
		}()
		return b.Run(ctx)
	},
}
