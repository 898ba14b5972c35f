package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nre/pkg/engine"
	"nre/pkg/fastjson"
	"nre/pkg/rerr"
	"nre/pkg/value"
	"nre/pkg/varmap"
)

const runUsage = `Usage: nre run [--json] [--rule-base a,b] [--set name=value]... <rule> [args...]
       nre run [--json] [--rule-base a,b] [--set name=value]... -e '<actions>'`

// runRequest is one rule invocation or action sequence.
type runRequest struct {
	RuleBase string
	Rule     string
	Args     []string
	Actions  string
	Session  map[string]string
	JSON     bool
}

// runResult is what a rule invocation reports back.
type runResult struct {
	Success bool              `json:"success"`
	Result  interface{}       `json:"result,omitempty"`
	Args    []interface{}     `json:"args,omitempty"`
	Stdout  string            `json:"stdout"`
	Stderr  string            `json:"stderr"`
	Errors  []rerr.Diagnostic `json:"errors,omitempty"`
}

func parseRunArgs(args []string) (runRequest, error) {
	req := runRequest{Session: map[string]string{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if req.Rule != "" {
			req.Args = append(req.Args, arg)
			continue
		}
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s needs a value", arg)
			}
			i++
			return args[i], nil
		}
		var err error
		switch arg {
		case "--json":
			req.JSON = true
		case "--rule-base", "-r":
			req.RuleBase, err = next()
		case "-e", "--exec":
			req.Actions, err = next()
		case "--set", "-s":
			var kv string
			if kv, err = next(); err == nil {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					err = fmt.Errorf("--set wants name=value, got %q", kv)
				}
				req.Session[strings.TrimPrefix(k, "$")] = v
			}
		default:
			if strings.HasPrefix(arg, "-") {
				return req, fmt.Errorf("unknown flag %s", arg)
			}
			req.Rule = arg
		}
		if err != nil {
			return req, err
		}
	}
	if (req.Rule == "") == (req.Actions == "") {
		return req, errors.New("give either a rule name or -e actions")
	}
	return req, nil
}

// cliValue turns a command line argument into an integer, a double or a
// string, in that order of preference.
func cliValue(s string) value.Value {
	if i, err := value.ParseInt(s); err == nil && !strings.Contains(s, ".") {
		return value.Int(i)
	}
	if f, err := value.ParseDouble(s); err == nil {
		return value.Double(f)
	}
	return value.String(s)
}

// sessionFor builds the execution info the $variables read.
func sessionFor(vars *varmap.Map, set map[string]string) (*varmap.ExecInfo, error) {
	if len(set) == 0 {
		return nil, nil
	}
	ei := &varmap.ExecInfo{Extra: map[string]string{}}
	for name, v := range set {
		sv, ok := vars.Resolve(name)
		if !ok || sv.Set == nil {
			return nil, fmt.Errorf("unknown or read-only session variable $%s", name)
		}
		if err := sv.Set(ei, cliValue(v)); err != nil {
			return nil, fmt.Errorf("$%s: %w", name, err)
		}
	}
	return ei, nil
}

// jsonValue is the JSON form of a rule value.
func jsonValue(v value.Value) interface{} {
	if v.Kind == value.KindOpaque {
		if _, ok := v.AsKeyValPair(); !ok {
			return v.String()
		}
	}
	return v.Native()
}

// execute runs req against rc, converting the command line arguments first.
func execute(ctx context.Context, rc *engine.RuleEngineContext, req runRequest) (runResult, error) {
	var args []value.Value
	if req.Actions == "" {
		args = make([]value.Value, len(req.Args))
		for i, a := range req.Args {
			args[i] = cliValue(a)
		}
	}
	return executeValues(ctx, rc, req, args)
}

// executeValues runs the rule of req with args, or its actions. The returned
// result is complete even when err is not nil.
func executeValues(ctx context.Context, rc *engine.RuleEngineContext, req runRequest, args []value.Value) (runResult, error) {
	exec, err := sessionFor(rc.Vars, req.Session)
	if err != nil {
		return runResult{Errors: []rerr.Diagnostic{rerr.ToDiagnostic(err)}}, err
	}
	ev := rc.NewEvaluator(exec)
	defer ev.Close()

	var res value.Value
	if req.Actions != "" {
		res, err = ev.Run(ctx, req.Actions)
	} else {
		res, err = ev.ExecRule(ctx, req.Rule, args, false)
	}

	out := runResult{
		Success: err == nil,
		Stdout:  ev.Stdout.String(),
		Stderr:  ev.Stderr.String(),
	}
	if err == nil {
		out.Result = jsonValue(res)
		for _, a := range args {
			out.Args = append(out.Args, jsonValue(a))
		}
	} else {
		out.Errors = append(out.Errors, rerr.ToDiagnostic(err))
	}
	return out, err
}

// report prints res either as JSON or as the captured streams followed by
// any error.
func report(stdout, stderr io.Writer, res runResult, asJSON bool) error {
	if asJSON {
		return fastjson.WriteIndent(stdout, res)
	}
	io.WriteString(stdout, res.Stdout)
	io.WriteString(stderr, res.Stderr)
	for _, d := range res.Errors {
		fmt.Fprintf(stderr, "❌ %s (%s)\n", d.Error(), rerr.Code(d.Code))
	}
	return nil
}

// HandleRun executes one rule or action sequence against the configured rule
// base.
func HandleRun(args []string) {
	req, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n%s\n", err, runUsage)
		os.Exit(2)
	}
	cfg := setup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt := openOrExit(ctx, cfg, true)
	defer rt.Close()

	rc, err := rt.Load(ctx, req.RuleBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Rule Base Error: %v\n", err)
		rt.Close()
		os.Exit(1)
	}
	res, err := execute(ctx, rc, req)
	if werr := report(os.Stdout, os.Stderr, res, req.JSON); werr != nil {
		fmt.Fprintf(os.Stderr, "❌ Output Error: %v\n", werr)
	}
	if err != nil {
		rt.Close()
		os.Exit(1)
	}
}
