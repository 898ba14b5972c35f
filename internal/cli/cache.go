package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"nre/pkg/cache"
	"nre/pkg/fastjson"
	"nre/pkg/rulebase"
	"nre/pkg/shm"
)

const cacheUsage = `Usage: nre cache publish [--force] [--rule-base a,b]
       nre cache show [--json]
       nre cache reset-mutex
       nre cache remove`

var errNoCache = errors.New("shared rule cache is disabled (NRE_SHM_SIZE=0)")

// cachePublish parses the rule base files and publishes them.
func cachePublish(ctx context.Context, rt *Runtime, ruleBase string, force bool, w io.Writer) error {
	if rt.Pub == nil {
		return errNoCache
	}
	if ruleBase == "" {
		ruleBase = rt.Cfg.RuleBase
	}
	loaded, err := rulebase.LoadFiles(ruleBase, rt.Cfg.RuleDir, rt.Cfg.CondIndexThreshold)
	if err != nil {
		return err
	}
	v, err := rt.Pub.Publish(ctx, cache.FromContext(loaded.Context(rt.EngineOptions()...)), force)
	if errors.Is(err, cache.ErrStale) {
		fmt.Fprintf(w, "⚠️  Version %d is already newer than %s; use --force to replace it\n", v, ruleBase)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✅ Published %s as version %d\n", ruleBase, v)
	return nil
}

type cacheReport struct {
	Segment   string    `json:"segment"`
	Published bool      `json:"published"`
	Version   uint64    `json:"version,omitempty"`
	RuleBase  string    `json:"rule_base,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Capacity  int       `json:"capacity"`
	DataSize  int       `json:"data_size,omitempty"`
	Objects   int       `json:"objects,omitempty"`
	Pointers  int       `json:"pointers,omitempty"`
	CoreRules int       `json:"core_rules,omitempty"`
	AppRules  int       `json:"app_rules,omitempty"`
	Digest    string    `json:"digest,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// cacheShow describes the segment and, when something is published,
// restores it to prove it decodes.
func cacheShow(ctx context.Context, rt *Runtime, w io.Writer, asJSON bool) error {
	if rt.Sub == nil {
		return errNoCache
	}
	info, err := rt.Sub.Info(ctx)
	if err != nil {
		return err
	}
	rep := cacheReport{
		Segment:   rt.Seg.Path(),
		Published: info.Published,
		Capacity:  info.Capacity,
	}
	if info.Published {
		rep.Version = info.Version
		rep.UpdatedAt = info.UpdateTimestamp
		rep.DataSize = info.DataSize
		rep.Objects = info.Objects
		rep.Pointers = info.Pointers
		rep.Digest = hex.EncodeToString(info.Digest[:])
		if c, err := rt.Sub.Restore(ctx); err != nil {
			rep.Error = err.Error()
		} else {
			rep.RuleBase = c.RuleBase
			rep.CoreRules = c.Core.Rules.Len()
			rep.AppRules = c.App.Rules.Len()
		}
	}

	if asJSON {
		return fastjson.WriteIndent(w, rep)
	}
	fmt.Fprintf(w, "Segment:   %s (%d bytes)\n", rep.Segment, rep.Capacity)
	if !rep.Published {
		fmt.Fprintln(w, "Nothing published.")
		return nil
	}
	fmt.Fprintf(w, "Version:   %d\n", rep.Version)
	fmt.Fprintf(w, "Updated:   %s\n", rep.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Payload:   %d bytes, %d objects, %d pointers\n", rep.DataSize, rep.Objects, rep.Pointers)
	fmt.Fprintf(w, "Digest:    %s\n", rep.Digest)
	if rep.Error != "" {
		fmt.Fprintf(w, "❌ Restore failed: %s\n", rep.Error)
		return nil
	}
	fmt.Fprintf(w, "Rule base: %s (%d core, %d app rules)\n", rep.RuleBase, rep.CoreRules, rep.AppRules)
	return nil
}

// HandleCache manages the shared rule cache.
func HandleCache(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, cacheUsage)
		os.Exit(2)
	}
	cfg := setup()
	ctx := context.Background()

	var err error
	switch args[0] {
	case "remove":
		err = shm.Remove(cfg.ShmDir, cfg.ShmName)
		if err == nil {
			err = shm.Remove(cfg.ShmDir, cfg.ShmName+".lock")
		}
	case "publish", "show", "reset-mutex":
		rt := openOrExit(ctx, cfg, false)
		err = cacheCommand(ctx, rt, args)
		if cerr := rt.Close(); err == nil {
			err = cerr
		}
	default:
		fmt.Fprintln(os.Stderr, cacheUsage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Cache Error: %v\n", err)
		os.Exit(1)
	}
}

func cacheCommand(ctx context.Context, rt *Runtime, args []string) error {
	switch args[0] {
	case "publish":
		force, ruleBase := false, ""
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--force", "-f":
				force = true
			case "--rule-base", "-r":
				if i+1 >= len(args) {
					return errors.New("--rule-base needs a value")
				}
				i++
				ruleBase = args[i]
			default:
				return fmt.Errorf("unknown argument %s", args[i])
			}
		}
		return cachePublish(ctx, rt, ruleBase, force, os.Stdout)
	case "show":
		return cacheShow(ctx, rt, os.Stdout, len(args) > 1 && args[1] == "--json")
	case "reset-mutex":
		if rt.Lock == nil {
			return errNoCache
		}
		if err := cache.ResetMutex(rt.Lock); err != nil {
			return err
		}
		fmt.Println("✅ Cache mutex reset")
	}
	return nil
}
