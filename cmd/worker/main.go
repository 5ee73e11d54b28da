// Command worker drains the data sync queue. It wakes on inserts into
// data_sync_logs relayed through LISTEN/NOTIFY and on a jittered ticker that
// covers notifications lost while disconnected.
package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vetsync.org/internal/changefeed"
	"vetsync.org/internal/changefeed/pglisten"
	"vetsync.org/internal/config"
	"vetsync.org/internal/obs"
	"vetsync.org/internal/queue"
	"vetsync.org/internal/store"
	"vetsync.org/internal/store/pg"
)

var version = "0.1.0"

func main() {
	cfg := config.Load()
	log, err := obs.InitLogger(cfg.LogLevel)
	if err != nil {
		obs.Logger().Fatalw("init logger", "error", err)
	}
	defer obs.Sync()
	obs.Init()
	obs.InitBuildInfo(version, "", "worker")

	if cfg.PGDSN == "" {
		log.Fatal("VETSYNC_PG_DSN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgs, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalw("open db", "error", err)
	}
	defer pgs.Close()

	q, err := queue.New(pgs, queue.WithBatch(cfg.QueueBatch))
	if err != nil {
		log.Fatalw("init queue", "error", err)
	}

	hub := changefeed.NewHub(64)
	defer hub.Close()
	sub, err := hub.Subscribe(store.TableDataSync, changefeed.Filter{})
	if err != nil {
		log.Fatalw("subscribe", "error", err)
	}
	go func() {
		if err := pglisten.New(cfg.PGDSN, hub).Run(ctx); err != nil {
			log.Errorw("change listener stopped", "error", err)
		}
	}()

	wake := make(chan struct{}, 1)
	go func() {
		for {
			ev, ok := changefeed.Wait(ctx, sub)
			if !ok {
				return
			}
			if ev.Op != changefeed.OpInsert {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	log.Infow("worker started", "interval", cfg.WorkerInterval, "batch", cfg.QueueBatch)
	timer := time.NewTimer(jitter(cfg.WorkerInterval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			q.Wait()
			log.Infow("worker stopped")
			return
		case <-wake:
		case <-timer.C:
			timer.Reset(jitter(cfg.WorkerInterval))
		}
		drain(ctx, q)
	}
}

// drain processes batches until the queue is empty or a batch fails to
// make progress.
func drain(ctx context.Context, q *queue.Queue) {
	for ctx.Err() == nil {
		res, err := q.ProcessQueue(ctx)
		if err != nil {
			obs.Logger().Errorw("process queue", "error", err)
			return
		}
		if res.Skipped || res.Claimed == 0 {
			return
		}
		obs.Logger().Infow("queue batch processed",
			"claimed", res.Claimed, "succeeded", res.Succeeded, "failed", res.Failed)
	}
}

// jitter spreads replicas by up to a fifth of the interval.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		d = 30 * time.Second
	}
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}
