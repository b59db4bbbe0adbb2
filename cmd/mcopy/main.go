package main

import (
	"github.com/spf13/cobra"

	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/copylog"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "mcopy",
	Short: "distributed COPY for hash-distributed segment clusters",
	Long:  "mcopy streams COPY data between a client and the segments of a shared-nothing cluster, routing every row by the target relation's distribution key.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(cfgPath); err != nil {
			return err
		}
		lvl := config.Get().LogLevel
		if logLevel != "" {
			lvl = logLevel
		}
		return copylog.UpdateZeroLogLevel(lvl)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/mcopy/config.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "overrides the config log level")
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(unloadCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		copylog.Zero.Fatal().Err(err).Msg("mcopy failed")
	}
}
