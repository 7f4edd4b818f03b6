package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/marksync/internal/bookmarksync"
	"github.com/agentworkforce/marksync/internal/config"
	"github.com/agentworkforce/marksync/internal/inbox"
	"github.com/agentworkforce/marksync/internal/persist"
	"github.com/agentworkforce/marksync/internal/remote"
	"github.com/agentworkforce/marksync/internal/store"
)

// app wires storage, the remote client and the background workers for one
// command invocation.
type app struct {
	cfg         config.Config
	logger      *log.Logger
	kv          persist.KV
	store       *store.Store
	client      *remote.HTTPClient
	coordinator *bookmarksync.Coordinator
	persister   *persist.Persister
	inbox       *inbox.Service

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []io.Closer
}

func newLogger(stderr io.Writer, logFile string) (*log.Logger, io.Closer) {
	if logFile == "" {
		return log.New(stderr, "[marksync] ", log.LstdFlags), nil
	}
	rotating := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
	return log.New(io.MultiWriter(stderr, rotating), "[marksync] ", log.LstdFlags), rotating
}

func newApp(ctx context.Context, cfg config.Config, stderr io.Writer) (*app, error) {
	logger, logCloser := newLogger(stderr, cfg.LogFile)
	kv, err := persist.BuildKVFromDSN(cfg.Storage)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage, err)
	}

	st := store.New(persist.Restore(ctx, kv, logger))
	client := remote.NewHTTPClient(cfg.BaseURL, remote.ClientOptions{
		Token:      cfg.Token,
		ReadOnly:   cfg.ReadOnly,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	a := &app{
		cfg:         cfg,
		logger:      logger,
		kv:          kv,
		store:       st,
		client:      client,
		coordinator: bookmarksync.New(st, client, bookmarksync.Options{Logger: logger}),
		persister:   persist.NewPersister(kv, st, persist.PersisterOptions{QuietWindow: cfg.Debounce, Logger: logger}),
		inbox:       inbox.New(client, kv, logger),
		closers:     []io.Closer{kv},
	}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}
	return a, nil
}

// start launches the sync worker and the persister.
func (a *app) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.coordinator.Run(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.persister.Run(ctx)
	}()
}

// stop waits for the workers, which flush pending writes, and releases
// storage.
func (a *app) stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	for _, closer := range a.closers {
		if err := closer.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}
