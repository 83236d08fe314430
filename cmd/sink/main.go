package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"geogenesis/sink/internal/archive"
	"geogenesis/sink/internal/config"
	"geogenesis/sink/internal/event"
	"geogenesis/sink/internal/ipfs"
	"geogenesis/sink/internal/logutils"
	"geogenesis/sink/internal/proposal"
	"geogenesis/sink/internal/search"
	"geogenesis/sink/internal/sink"
	"geogenesis/sink/internal/store"
	"geogenesis/sink/internal/util"
	"geogenesis/sink/internal/versioning"
)

func main() {
	cfg := config.Load()
	log := logutils.Log

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	resolverOpts := []ipfs.Option{
		ipfs.WithRetryWindow(cfg.FetchTimeout, cfg.FetchWindow),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		cache, err := ipfs.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer cache.Close()
		resolverOpts = append(resolverOpts, ipfs.WithCache(cache))
		log.Info("content cache enabled")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		payloadArchive, err := archive.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("archive connection failed: %v", err)
		}
		resolverOpts = append(resolverOpts, ipfs.WithArchive(payloadArchive))
		log.Infof("payload archive enabled, bucket %s", cfg.MinioBucket)
	}
	resolver := ipfs.NewResolver(cfg.IPFSGateway, resolverOpts...)

	mapper := proposal.NewMapper(resolver, dataStore, cfg.ImportConcurrency)
	engine := versioning.NewEngine(dataStore, cfg.LookupConcurrency)

	handlerOpts := []sink.HandlerOption{
		sink.WithAcceptLimit(cfg.AcceptConcurrency),
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		if !meiliClient.Healthy() {
			log.Warn("search backend unreachable, indexing deferred until it recovers")
		}
		handlerOpts = append(handlerOpts, sink.WithIndexer(meiliClient))
		log.Info("search indexing enabled")
	}
	handler := sink.NewHandler(dataStore, mapper, engine, handlerOpts...)

	var startAfter uint64
	if cursor, ok, err := dataStore.LoadCursor(ctx); err != nil {
		log.Fatalf("loading cursor failed: %v", err)
	} else if ok {
		startAfter = cursor.BlockNumber
		log.Infof("resuming after block %d", cursor.BlockNumber)
	}

	feed, closeFeed, err := openFeed(cfg.BlocksFile)
	if err != nil {
		log.Fatalf("opening block feed failed: %v", err)
	}
	defer closeFeed()

	if err := run(ctx, handler, feed, startAfter); err != nil && ctx.Err() == nil {
		log.Fatalf("sink stopped: %v", err)
	}
	log.Info("sink shut down")
}

type blockHandler interface {
	HandleBlock(ctx context.Context, block event.Block) error
}

// run consumes the NDJSON block feed one block at a time. Blocks are
// strictly sequential; a block's writes must land before the next block
// is read. Blocks at or below startAfter already landed in an earlier
// run and are skipped, otherwise a restart would replay them against the
// very versions they produced.
func run(ctx context.Context, handler blockHandler, feed io.Reader, startAfter uint64) error {
	scanner := bufio.NewScanner(feed)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var block event.Block
		if err := json.Unmarshal([]byte(line), &block); err != nil {
			logutils.Log.Warnf("skipping malformed block line: %v", err)
			continue
		}
		if block.Block.BlockNumber <= startAfter {
			logutils.Log.Debugf("skipping already-processed block %d", block.Block.BlockNumber)
			continue
		}
		if block.Block.RequestID == "" {
			block.Block.RequestID = util.NewID("req")
		}

		if err := handler.HandleBlock(ctx, block); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func openFeed(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
