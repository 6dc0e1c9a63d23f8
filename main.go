package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hlspoll/work/client"
	"hlspoll/work/config"
	"hlspoll/work/handlers"
	"hlspoll/work/logger"
	"hlspoll/work/middleware"
	"hlspoll/work/reader"
	"hlspoll/work/types"
	"hlspoll/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	example := flag.Bool("example", false, "write an example configuration to the -config path and exit")
	check := flag.Bool("check", false, "probe every configured playlist URL and exit")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println("hlspoll", Version)
		return
	}
	if *example {
		if err := config.CreateExampleConfig(*configPath); err != nil {
			logger.Error("{main} Writing example config: %v", err)
			os.Exit(1)
		}
		logger.Info("{main} Wrote example configuration to %s", *configPath)
		return
	}

	cfg := config.LoadConfig(*configPath)
	if len(cfg.Playlists) == 0 {
		logger.Error("{main} No playlists configured, nothing to poll")
		os.Exit(1)
	}

	cf := client.New(client.Options{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.FetchTimeout,
		RateLimit: cfg.RateLimit,
	})

	if *check {
		os.Exit(probePlaylists(cfg, cf))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("{main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	logger.Info("{main} Starting hlspoll %s", Version)
	logger.Info("{main}   Listen address: %s", cfg.ListenAddr)
	logger.Info("{main}   Worker threads: %d", cfg.WorkerThreads)
	logger.Info("{main}   Playlists: %d", len(cfg.Playlists))
	logger.Info("{main}   Low latency: %v", cfg.LowLatency)
	logger.Info("{main}   Max stall time: %s", cfg.MaxStallTime)

	var wg sync.WaitGroup
	for i := range cfg.Playlists {
		pc := &cfg.Playlists[i]
		wg.Add(1)
		if err := workerPool.Submit(func() {
			defer wg.Done()
			pollPlaylist(ctx, cfg, cf, pc)
		}); err != nil {
			wg.Done()
			logger.Error("{main} Submitting poller for %s: %v", pc.Name, err)
		}
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.Handle("/status", middleware.Gzip(handlers.HandleStatus())).Methods("GET")
	router.Handle("/healthz", handlers.HandleHealth()).Methods("GET")

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main} Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("{main} Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	wg.Wait()
}

// probePlaylists issues a metadata-only request for every configured URL and
// returns a process exit code: 0 when all are reachable.
func probePlaylists(cfg *config.Config, cf types.ContentFetcher) int {
	code := 0
	for i := range cfg.Playlists {
		pc := &cfg.Playlists[i]
		ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
		res, err := cf.Perform(ctx, pc.URL, types.FetchOptions{Probe: true})
		cancel()
		if err != nil {
			logger.Error("{main - probePlaylists} %s: UNREACHABLE: %v", pc.Name, err)
			code = 1
			continue
		}
		logger.Info("{main - probePlaylists} %s: ok (%s, %d bytes)", pc.Name, res.Meta.Mime, res.Meta.Size)
	}
	return code
}

// pollPlaylist drives one reader to completion, publishing its state to the
// status registry as snapshots arrive.
func pollPlaylist(ctx context.Context, cfg *config.Config, cf types.ContentFetcher, pc *config.PlaylistConfig) {
	urlLabel := utils.LogURL(cfg.ObfuscateUrls, pc.URL)

	var problems atomic.Uint64
	st := handlers.PollerStatus{Name: pc.Name, URL: urlLabel, State: "starting"}
	handlers.Publish(st)

	r, err := reader.CreateReader(pc.URL, cf, reader.Options{
		LowLatency:      pc.LowLatencyEnabled(cfg.LowLatency),
		Extensions:      pc.Extensions,
		RejectThreshold: cfg.RejectThreshold,
		MaxStallTime:    pc.StallTime(cfg.MaxStallTime),
		OnProblem: func(err error) {
			problems.Add(1)
			logger.Warn("{main - pollPlaylist} %s: recovered problem: %v", pc.Name, err)
		},
	})
	if err != nil {
		st.State = "failed"
		st.LastError = err.Error()
		handlers.Publish(st)
		logger.Error("{main - pollPlaylist} %s: %v", pc.Name, err)
		return
	}
	defer r.Close(nil)

	for {
		snap, err := r.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				st.State = "ended"
			} else {
				st.State = "failed"
				st.LastError = err.Error()
				logger.Error("{main - pollPlaylist} %s: stream failed: %v", pc.Name, err)
			}
			st.Problems = problems.Load()
			handlers.Publish(st)
			return
		}

		st.Kind = snap.Index.Kind.String()
		st.State = "live"
		st.Snapshots++
		st.Problems = problems.Load()
		st.UpdatedAt = snap.Meta.Updated
		if snap.Playlist != nil {
			st.LastMSN = snap.Playlist.LastMSN(true)
			if delay, ok := r.Fetcher().CurrentPlayoutDelay(); ok {
				st.PlayoutDelay = utils.FormatDuration(delay)
			}
			logger.Debug("{main - pollPlaylist} %s: head msn=%d segments=%d live=%v",
				pc.Name, st.LastMSN, len(snap.Playlist.Index().Segments), snap.Playlist.IsLive())
		} else {
			st.State = "ended"
			logger.Info("{main - pollPlaylist} %s: master playlist with %d variants, stopping",
				pc.Name, len(snap.Index.Master.Variants))
		}
		handlers.Publish(st)
	}
}
