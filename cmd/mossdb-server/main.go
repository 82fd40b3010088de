package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossdb/mossdb/pkg/compression"
	"github.com/mossdb/mossdb/pkg/mvstore"
	"github.com/mossdb/mossdb/pkg/storage"
	"github.com/mossdb/mossdb/pkg/txadmin"
	"github.com/mossdb/mossdb/pkg/txn"
)

func main() {
	host := flag.String("host", "localhost", "txadmin host address")
	port := flag.Int("port", 9080, "txadmin port")
	dataDir := flag.String("data-dir", "./data", "Data directory for the write-ahead log")
	maxSlots := flag.Int("max-slots", txn.DefaultConfig().MaxSlots, "Maximum number of concurrently open transactions")
	walCompression := flag.String("wal-compression", "zstd", "WAL payload compression: none, zstd")
	compressThreshold := flag.Int("wal-compress-threshold", 256, "Minimum WAL record size in bytes before compression is applied")
	corsOrigin := flag.String("cors-origin", "*", "CORS allowed origin for txadmin")
	enableGraphQL := flag.Bool("graphql", true, "Enable the txadmin GraphQL endpoint (/graphql)")
	flag.Parse()

	wal, err := storage.NewStorageEngine(storage.DefaultConfig(*dataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open write-ahead log: %v\n", err)
		os.Exit(1)
	}
	defer wal.Close()

	registry := mvstore.NewRegistry()
	cfg := txn.DefaultConfig()
	cfg.MaxSlots = *maxSlots
	store := txn.NewStore(cfg, registry)
	store.AttachWAL(wal)

	if compCfg, err := parseCompressionConfig(*walCompression); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	} else if compCfg.Algorithm != compression.AlgorithmNone {
		compressor, err := compression.NewCompressor(compCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create WAL compressor: %v\n", err)
			os.Exit(1)
		}
		defer compressor.Close()
		store.AttachCompressor(compressor, *compressThreshold)
	}

	if _, err := store.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to recover store: %v\n", err)
		os.Exit(1)
	}

	adminCfg := txadmin.DefaultConfig()
	adminCfg.Host = *host
	adminCfg.Port = *port
	adminCfg.AllowedOrigins = []string{*corsOrigin}
	adminCfg.EnableGraphQL = *enableGraphQL

	admin, err := txadmin.New(adminCfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create txadmin server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Printf("mossdb listening on %s:%d (data-dir=%s, wal-compression=%s)\n", *host, *port, *dataDir, *walCompression)
	if err := admin.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "txadmin server error: %v\n", err)
		os.Exit(1)
	}
}

func parseCompressionConfig(name string) (*compression.Config, error) {
	switch name {
	case "none":
		return &compression.Config{Algorithm: compression.AlgorithmNone}, nil
	case "zstd":
		return compression.DefaultConfig(), nil
	default:
		return nil, fmt.Errorf("unknown wal-compression algorithm: %s", name)
	}
}
