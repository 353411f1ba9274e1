package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acoustid/aindex/index"
	"github.com/acoustid/aindex/internal/httpapi"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  aindexd -path <data-dir>\n")
	os.Exit(1)
}

func main() {
	var (
		dataPath        = flag.String("path", "", "path to data directory (one subdirectory per index)")
		addr            = flag.String("addr", ":8765", "HTTP listen address")
		rolloverBytes   = flag.Int64("rollover-bytes", 32<<20, "stage size, in bytes, that triggers a checkpoint")
		mergeRatio      = flag.Float64("merge-ratio", 4, "tiered merge ratio R (tier = floor(log_R(num_postings)))")
		mergeFanIn      = flag.Int("merge-fan-in", 4, "number of same-tier segments that triggers a merge")
		searchTimeout   = flag.Duration("search-timeout", 500*time.Millisecond, "default search deadline")
		fsync           = flag.Bool("fsync", true, "fsync the oplog after every append")
		parallelLoadMin = flag.Int("parallel-loading-threshold", 2, "segment count at or above which Open validates segments in parallel")
	)
	flag.Parse()

	if *dataPath == "" {
		usage()
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := index.Options{
		RolloverBytes:            *rolloverBytes,
		MergeRatio:               *mergeRatio,
		MergeFanIn:               *mergeFanIn,
		ParallelLoadingThreshold: *parallelLoadMin,
		Fsync:                    *fsync,
	}

	mgr := index.NewManager(*dataPath, opts)
	if err := mgr.Open(); err != nil {
		logger.Fatal("could not open index manager", zap.Error(err))
	}

	server := httpapi.New(mgr, logger, *searchTimeout)
	httpServer := &http.Server{Addr: *addr, Handler: server}

	go func() {
		logger.Info("aindexd listening", zap.String("addr", *addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	if err := httpServer.Close(); err != nil {
		logger.Error("http server close failed", zap.Error(err))
	}
	if err := mgr.Close(); err != nil {
		logger.Error("index manager close failed", zap.Error(err))
	}
}
