package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pg-sharding/mcopy/pkg/config"
	"github.com/pg-sharding/mcopy/pkg/copylog"
	"github.com/pg-sharding/mcopy/pkg/tablestore"
	"github.com/pg-sharding/mcopy/pkg/worker"
)

var workerID int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the per-segment copy executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		if workerID < 0 || workerID >= len(cfg.Segments) {
			return fmt.Errorf("segment id %d is not in the cluster config", workerID)
		}
		seg := cfg.Segments[workerID]

		cat, err := newCatalog(cfg)
		if err != nil {
			return err
		}
		store := tablestore.NewStore(seg.DataDir, cfg.FileBufSize, cfg.MaxCSVLineSize, cat)
		defer func() {
			_ = store.Close()
		}()

		w := &worker.Worker{
			ID:       workerID,
			Cfg:      cfg,
			Table:    store,
			Scanner:  store,
			BinIn:    typeChecker{},
			Resolver: cat,
			Defaults: cat,
			LogStore: worker.NewErrorLog(seg.DataDir),
		}
		srv := worker.NewServer(w, &stmtResolver{cat: cat})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			s := <-sigs
			copylog.Zero.Info().Str("signal", s.String()).Msg("shutting down")
			cancel()
		}()

		ln, err := net.Listen("tcp", seg.Addr())
		if err != nil {
			return errors.Wrapf(err, "could not listen on %s", seg.Addr())
		}
		copylog.Zero.Info().
			Int("segment", workerID).
			Str("addr", seg.Addr()).
			Str("data_dir", seg.DataDir).
			Msg("worker listening")

		return srv.Serve(ctx, ln)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerID, "id", 0, "segment id of this worker")
}
