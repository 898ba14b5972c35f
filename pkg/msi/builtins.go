package msi

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/spf13/cast"

	"nre/pkg/rerr"
	"nre/pkg/value"
)

// HumanTimeFormat is the layout of msiGetSystemTime(*t, "human").
const HumanTimeFormat = "2006-01-02.15:04:05"

// Builtins returns a registry holding the standard microservices.
func Builtins() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

func RegisterBuiltins(r *Registry) {
	r.Register("msiAddKeyVal", addKeyVal, Meta{
		Description: "Adds a key/value pair to a KeyValPair, creating it when unset.",
		Params:      []IOType{Dynamic, Input, Input},
	})
	r.Register("msiGetValByKey", getValByKey, Meta{
		Description: "Reads the value stored under a key of a KeyValPair.",
		Params:      []IOType{Input, Input, Output},
	})
	r.Register("msiGetSystemTime", getSystemTime, Meta{
		Description: `Current time as unix seconds, or formatted when the second argument is "human".`,
		Params:      []IOType{Output, Input},
	})
	r.Register("msiStrlen", strlen, Meta{
		Description: "Length of a string in characters.",
		Params:      []IOType{Input, Output},
	})
	r.Register("msiWriteRodsLog", writeRodsLog, Meta{
		Description: "Writes a message to the server log.",
		Params:      []IOType{Input, Output},
	})
	r.Register("msiSleep", sleep, Meta{
		Description: "Sleeps for the given seconds and microseconds.",
		Params:      []IOType{Input, Input},
	})
	r.Register("msiExprEval", exprEval, Meta{
		Description: "Evaluates an arithmetic/boolean expression over the caller's local variables.",
		Params:      []IOType{Input, Output},
	})
	r.Register("msiExecSQL", execSQL, Meta{
		Description: "Runs a read-only query on a named catalog connection.",
		Params:      []IOType{Input, Input, Output},
	})
	r.Register("msiCatalogQuery", catalogQuery, Meta{
		Description: "Runs a read-only query on the default catalog connection.",
		Params:      []IOType{Input, Output},
	})
}

func addKeyVal(ctx context.Context, c *Call) (int, error) {
	kv := value.NewKeyValPair()
	if c.Args[0].Kind != value.KindUnspeced {
		old, ok := c.Args[0].AsKeyValPair()
		if !ok {
			return int(rerr.UserParamTypeErr), nil
		}
		kv = old.Clone()
	}
	kv.Add(c.Args[1].String(), c.Args[2].String())
	c.Args[0] = value.Opaque(value.KeyValPairType, kv)
	return 0, nil
}

func getValByKey(ctx context.Context, c *Call) (int, error) {
	kv, ok := c.Args[0].AsKeyValPair()
	if !ok {
		return int(rerr.UserParamTypeErr), nil
	}
	v, ok := kv.Get(c.Args[1].String())
	if !ok {
		return int(rerr.NoValuesFound), nil
	}
	c.Args[2] = value.String(v)
	return 0, nil
}

func getSystemTime(ctx context.Context, c *Call) (int, error) {
	now := time.Now()
	if c.Args[1].String() == "human" {
		c.Args[0] = value.String(now.Format(HumanTimeFormat))
	} else {
		c.Args[0] = value.String(strconv.FormatInt(now.Unix(), 10))
	}
	return 0, nil
}

func strlen(ctx context.Context, c *Call) (int, error) {
	c.Args[1] = value.String(strconv.Itoa(utf8.RuneCountInString(c.Args[0].String())))
	return 0, nil
}

func writeRodsLog(ctx context.Context, c *Call) (int, error) {
	c.Logger.InfoContext(ctx, "writeRodsLog", "msg", c.Args[0].String())
	c.Args[1] = value.Int(0)
	return 0, nil
}

func sleep(ctx context.Context, c *Call) (int, error) {
	secs, err := cast.ToInt64E(c.Args[0].Native())
	if err != nil {
		return int(rerr.UserParamTypeErr), nil
	}
	micros, err := cast.ToInt64E(c.Args[1].Native())
	if err != nil {
		return int(rerr.UserParamTypeErr), nil
	}
	d := time.Duration(secs)*time.Second + time.Duration(micros)*time.Microsecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var localRef = regexp.MustCompile(`[*$]([A-Za-z_][A-Za-z0-9_]*)`)

func exprEval(ctx context.Context, c *Call) (int, error) {
	src := c.Args[0].String()
	env := make(map[string]interface{}, len(c.Locals)+8)
	for k, v := range c.Locals {
		name := strings.TrimLeft(k, "*$")
		n := v.Native()
		// numeric strings take part in arithmetic
		if s, ok := n.(string); ok {
			if f, err := cast.ToFloat64E(s); err == nil {
				n = f
			}
		}
		env[name] = n
	}
	env["ceil"] = math.Ceil
	env["floor"] = math.Floor
	env["round"] = math.Round
	env["abs"] = math.Abs
	env["max"] = math.Max
	env["min"] = math.Min
	env["sqrt"] = math.Sqrt
	env["pow"] = math.Pow

	clean := localRef.ReplaceAllString(src, "$1")
	program, err := expr.Compile(clean, expr.Env(env))
	if err != nil {
		return 0, rerr.Wrap(rerr.InputArgNotWellFormed, err, fmt.Sprintf("msiExprEval: syntax error in %q", src))
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return 0, rerr.Wrap(rerr.RuntimeError, err, "msiExprEval")
	}
	c.Args[1] = value.FromNative(out)
	return 0, nil
}

func readOnly(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	return strings.HasPrefix(q, "select") || strings.HasPrefix(q, "with")
}

func runQuery(ctx context.Context, c *Call, conn, query string) (value.Value, error) {
	if c.DB == nil {
		return value.Value{}, rerr.New(rerr.NoMicroserviceFound, "no catalog connection configured")
	}
	if !readOnly(query) {
		return value.Value{}, rerr.New(rerr.UserParamTypeErr, "only SELECT queries are allowed")
	}
	rows, err := c.DB.QueryRows(ctx, conn, query)
	if err != nil {
		return value.Value{}, rerr.Wrap(rerr.RuntimeError, err, "catalog query failed")
	}
	items := make([]value.Value, len(rows))
	for i, row := range rows {
		items[i] = value.FromNative(row)
	}
	return value.List(items...), nil
}

func execSQL(ctx context.Context, c *Call) (int, error) {
	res, err := runQuery(ctx, c, c.Args[0].String(), c.Args[1].String())
	if err != nil {
		return 0, err
	}
	c.Args[2] = res
	return 0, nil
}

func catalogQuery(ctx context.Context, c *Call) (int, error) {
	conn := "default"
	if c.DB != nil {
		conn = c.DB.DefaultName()
	}
	res, err := runQuery(ctx, c, conn, c.Args[0].String())
	if err != nil {
		return 0, err
	}
	c.Args[1] = res
	return 0, nil
}
