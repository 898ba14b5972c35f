package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nre/pkg/engine"
	"nre/pkg/fastjson"
	"nre/pkg/logger"
	"nre/pkg/value"
)

// Source hands out the rule engine context current at the time of the call.
// Jobs run against whatever rule base is loaded when they start.
type Source interface {
	Context() *engine.RuleEngineContext
}

// Start pops jobs from queues until ctx is cancelled and runs each in its own
// goroutine, waiting for NotBefore first. On shutdown it waits for running
// jobs to finish.
func Start(ctx context.Context, src Source, queue JobQueue, queues []string, log *slog.Logger) {
	log = logger.Or(log)
	if queue == nil {
		log.Info("worker disabled: no job queue")
		return
	}

	log.Info("background worker started", "queues", queues)

	var wg sync.WaitGroup
	stop := func() {
		log.Info("worker stopping, waiting for active jobs")
		wg.Wait()
		log.Info("worker stopped")
	}

	for {
		if ctx.Err() != nil {
			stop()
			return
		}
		queueName, payload, err := queue.Pop(ctx, queues)
		if err != nil {
			if ctx.Err() != nil {
				stop()
				return
			}
			log.Error("job queue error", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		var job JobPayload
		if err := fastjson.DecodeNumbers(payload, &job); err != nil {
			log.Error("invalid job payload", "queue", queueName, "error", err)
			continue
		}
		log.Info("job received", "queue", queueName, "not_before", job.NotBefore)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if wait := time.Until(job.NotBefore); wait > 0 {
				select {
				case <-ctx.Done():
					log.Warn("job dropped at shutdown before its start time", "queue", queueName)
					return
				case <-time.After(wait):
				}
			}
			// jobs outlive the request that queued them, but not the worker
			if err := RunJob(context.WithoutCancel(ctx), src.Context(), job, log); err != nil {
				log.Error("job failed", "queue", queueName, "error", err)
			}
		}()
	}
}

// RunJob evaluates the job's actions with its saved locals as globals. When
// the actions fail the recovery actions run and the original error is
// returned.
func RunJob(ctx context.Context, rc *engine.RuleEngineContext, job JobPayload, log *slog.Logger) error {
	log = logger.Or(log)
	if rc == nil {
		return fmt.Errorf("job: no rule engine context loaded")
	}
	if job.RuleBase != "" && job.RuleBase != rc.RuleBase {
		log.Warn("job queued under another rule base", "queued", job.RuleBase, "current", rc.RuleBase)
	}

	start := time.Now()
	ev := rc.NewEvaluator(nil)
	defer ev.Close()
	for k, v := range job.Locals {
		if _, err := ev.Global().Insert(k, restoreLocal(v)); err != nil {
			return fmt.Errorf("job: restore local %s: %w", k, err)
		}
	}

	_, err := ev.Run(ctx, job.Actions)
	if err != nil && job.Recovery != "" {
		if _, rerr := ev.Run(ctx, job.Recovery); rerr != nil {
			log.Warn("job recovery failed", "error", rerr)
		}
	}
	if out := ev.Stdout.String(); out != "" {
		log.Info("job output", "stdout", out)
	}
	if err != nil {
		return err
	}
	log.Info("job completed", "duration", time.Since(start))
	return nil
}

// restoreLocal rebuilds a value from its decoded JSON form. Whole numbers
// come back as integers.
func restoreLocal(x interface{}) value.Value {
	switch t := x.(type) {
	case fastjson.Number:
		if i, err := t.Int64(); err == nil {
			return value.Int(i)
		}
		if f, err := t.Float64(); err == nil {
			return value.Double(f)
		}
		return value.String(t.String())
	case []interface{}:
		items := make([]value.Value, len(t))
		for i, e := range t {
			items[i] = restoreLocal(e)
		}
		return value.List(items...)
	case map[string]interface{}:
		kv := value.NewKeyValPair()
		for k, e := range t {
			kv.Add(k, restoreLocal(e).String())
		}
		kv.Sort()
		return value.Opaque(value.KeyValPairType, kv)
	}
	return value.FromNative(x)
}
