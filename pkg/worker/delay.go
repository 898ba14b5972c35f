package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cast"

	"nre/pkg/engine"
	"nre/pkg/fastjson"
)

// DefaultQueue receives delayed executions unless the hints name another
// queue with <QUEUE>name</QUEUE>.
const DefaultQueue = "default"

// JobPayload is the serialized form of a delayed execution.
type JobPayload struct {
	engine.DelayedJob
	NotBefore time.Time `json:"not_before"`
	CreatedAt time.Time `json:"created_at"`
}

// Hints are the scheduling directives of a delayExec call.
type Hints struct {
	Delay time.Duration
	Queue string
}

var hintTag = regexp.MustCompile(`<([A-Z]+)>([^<]*)</([A-Z]+)>`)

// ParseHints reads the <PLUSET> delay and <QUEUE> name of a hint string.
// Unknown tags are ignored.
func ParseHints(s string) (Hints, error) {
	h := Hints{Queue: DefaultQueue}
	for _, m := range hintTag.FindAllStringSubmatch(s, -1) {
		if m[1] != m[3] {
			return h, fmt.Errorf("hints: mismatched tags <%s> and </%s>", m[1], m[3])
		}
		val := strings.TrimSpace(m[2])
		switch m[1] {
		case "PLUSET":
			d, err := parseDelay(val)
			if err != nil {
				return h, err
			}
			h.Delay = d
		case "QUEUE":
			if val != "" {
				h.Queue = val
			}
		}
	}
	return h, nil
}

// parseDelay accepts plain seconds, Go durations and a day suffix.
func parseDelay(s string) (time.Duration, error) {
	if secs, err := cast.ToInt64E(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := cast.ToInt64E(days)
		if err != nil {
			return 0, fmt.Errorf("hints: bad delay %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("hints: bad delay %q: %w", s, err)
	}
	return d, nil
}

// Delayer turns delayExec calls into queued jobs.
type Delayer struct {
	queue JobQueue
	now   func() time.Time
}

func NewDelayer(queue JobQueue) *Delayer {
	return &Delayer{queue: queue, now: time.Now}
}

// Push implements engine.DelayQueue.
func (d *Delayer) Push(ctx context.Context, job engine.DelayedJob) error {
	h, err := ParseHints(job.Hints)
	if err != nil {
		return err
	}
	now := d.now()
	payload, err := fastjson.Marshal(JobPayload{
		DelayedJob: job,
		NotBefore:  now.Add(h.Delay),
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("delayExec: failed to marshal job: %w", err)
	}
	return d.queue.Push(ctx, h.Queue, payload)
}
