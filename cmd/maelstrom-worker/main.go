package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/meticulous-software/meticulous/internal/config"
	"github.com/meticulous-software/meticulous/internal/platform/logger"
	"github.com/meticulous-software/meticulous/internal/worker"
)

func main() {
	var (
		brokerAddr string
		transport  string
		slots      uint16
		cacheSize  uint64
	)

	rootCmd := &cobra.Command{
		Use:   "maelstrom-worker",
		Short: "Execute maelstrom jobs in isolated sandboxes",
		Long: "maelstrom-worker connects to a broker, caches job artifacts, and runs " +
			"jobs inside per-job layered filesystems. Configuration comes from " +
			"MAELSTROM_WORKER_* environment variables; flags override.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(runtime.NumCPU())
			if err != nil {
				return err
			}
			if brokerAddr != "" {
				cfg.BrokerAddr = brokerAddr
			}
			if transport != "" {
				cfg.BrokerTransport = config.BrokerTransport(transport)
			}
			if slots != 0 {
				cfg.Slots = slots
			}
			if cacheSize != 0 {
				cfg.CacheSizeBytes = cacheSize
			}
			if err := cfg.ResolveDefaults(runtime.NumCPU()); err != nil {
				return err
			}

			log := logger.New("maelstrom-worker", cfg.LogLevel)
			err = worker.Run(cfg, log)
			log.Error().Err(err).Msg("exiting")
			return err
		},
	}

	rootCmd.Flags().StringVar(&brokerAddr, "broker", "", "broker address (host:port)")
	rootCmd.Flags().StringVar(&transport, "transport", "", "broker transport: tcp or queue")
	rootCmd.Flags().Uint16Var(&slots, "slots", 0, "concurrent job slots (default: CPU count)")
	rootCmd.Flags().Uint64Var(&cacheSize, "cache-size", 0, "artifact cache target size in bytes")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
