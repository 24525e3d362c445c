package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vodforge/transcode-api/api"
	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/encoder"
	"github.com/vodforge/transcode-api/events"
	"github.com/vodforge/transcode-api/gateway"
	"github.com/vodforge/transcode-api/handlers"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/pipeline"
	"github.com/vodforge/transcode-api/queue"
	"github.com/vodforge/transcode-api/storage"
	"github.com/vodforge/transcode-api/store"
)

func main() {
	fs := flag.NewFlagSet("transcode-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:3000", "Address to bind the HTTP API to")
	config.AddrFlag(fs, &cli.HTTPAddress, "port", "0.0.0.0:3000", "Alias for -http-addr accepting a bare port")
	fs.StringVar(&cli.StorageDir, "storage-dir", "./storage", "Root directory for chunks, uploads, and transcoded output")
	fs.StringVar(&cli.RedisURL, "redis-url", "", "Optional redis broker URL for cross-process event publishing. Empty selects local-only mode")
	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarNoPrefix(),
	)
	if err != nil {
		fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}

	if *version {
		fmt.Printf("transcode-api version: %s\n", config.Version)
		return
	}

	layout, err := storage.NewLayout(cli.StorageDir)
	if err != nil {
		fatalf("error preparing storage root: %s", err)
	}

	var broker *redis.Client
	if cli.RedisURL != "" {
		opts, err := redis.ParseURL(cli.RedisURL)
		if err != nil {
			fatalf("error parsing redis url: %s", err)
		}
		broker = redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := broker.Ping(pingCtx).Err(); err != nil {
			// Broker publishes are best-effort, so an unreachable broker at
			// boot is not fatal.
			log.LogNoVideoID("redis broker unreachable, events stay local until it recovers", "err", err)
		}
		cancel()
	} else {
		log.LogNoVideoID("no redis url configured, running in local event mode")
	}

	db := store.NewMemoryStore()
	bus := events.NewBus(broker)
	runner := pipeline.NewRunner(db, bus, encoder.NewFFmpeg(), layout)
	jobQueue := queue.NewQueue(runner, runner.HandleExhausted)
	hub := gateway.NewHub(bus)

	gc := storage.NewGC(layout,
		func(id string) (storage.SessionState, bool) {
			s, err := db.GetSession(context.Background(), id)
			if err != nil {
				return storage.SessionState{}, false
			}
			return storage.SessionState{Active: s.Status == store.SessionActive, ExpiresAt: s.ExpiresAt}, true
		},
		func(id string) bool {
			_, err := db.GetVideo(context.Background(), id)
			return err == nil
		})
	gc.OnSessionExpired = func(sessionID string) {
		expired := store.SessionExpired
		if _, err := db.UpdateSession(context.Background(), sessionID, store.SessionUpdate{Status: &expired}); err != nil {
			log.LogNoVideoID("error expiring session", "session_id", sessionID, "err", err)
		}
	}

	apiHandlers := &handlers.TranscodeAPIHandlersCollection{
		Store:  db,
		Layout: layout,
		Bus:    bus,
		Queue:  jobQueue,
		GC:     gc,
	}

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, apiHandlers, hub)
	})

	group.Go(func() error {
		return jobQueue.Run(ctx)
	})

	group.Go(func() error {
		return hub.Run(ctx)
	})

	group.Go(func() error {
		return gc.RunLoop(ctx)
	})

	err = group.Wait()
	log.LogNoVideoID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
