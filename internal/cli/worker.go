package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"nre/pkg/worker"
)

// HandleWorker runs delayed jobs from the database queue until interrupted.
// Usage: nre worker [queue...]
func HandleWorker(args []string) {
	cfg := setup()
	if len(args) > 0 {
		cfg.WorkerQueues = args
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := openOrExit(ctx, cfg, true)
	defer rt.Close()
	if rt.Queue == nil {
		fmt.Fprintln(os.Stderr, "❌ The worker needs a database queue (NRE_DB_DRIVER, NRE_DB_DSN)")
		rt.Close()
		os.Exit(1)
	}
	holder, err := rt.Holder(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Rule Base Error: %v\n", err)
		rt.Close()
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if cfg.ReloadEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			holder.Watch(ctx, cfg.ReloadEvery)
		}()
	}
	worker.Start(ctx, holder, rt.Queue, cfg.WorkerQueues, rt.Log)
	wg.Wait()
}
