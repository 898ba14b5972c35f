package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"nre/pkg/engine"
	"nre/pkg/ruleindex"
)

// ruleRows lists every name of both spaces with its clause count, arity and
// how many clauses sit behind a conditional index.
func ruleRows(rc *engine.RuleEngineContext) []table.Row {
	var rows []table.Row
	for _, space := range []struct {
		name string
		idx  *ruleindex.Index
	}{{"core", rc.Core}, {"app", rc.App}} {
		for _, l := range space.idx.Lists() {
			if len(l.Nodes) == 0 {
				continue
			}
			first := space.idx.Rules.Get(l.Nodes[0].Rule)
			clauses, indexed := 0, 0
			for _, n := range l.Nodes {
				if n.Cond == nil {
					clauses++
					continue
				}
				for _, k := range n.Cond.ValIndex.Keys() {
					rs, _ := n.Cond.Lookup(k)
					clauses += len(rs)
					indexed += len(rs)
				}
			}
			rows = append(rows, table.Row{space.name, l.Name, first.Kind.String(), first.Node.NumParams(), clauses, indexed})
		}
	}
	return rows
}

func renderRules(rc *engine.RuleEngineContext) string {
	tw := table.NewWriter()
	tw.SetTitle("RULE BASE " + rc.RuleBase)
	tw.AppendHeader(table.Row{"Space", "Name", "Kind", "Arity", "Clauses", "Indexed"})
	tw.AppendRows(ruleRows(rc))
	tw.AppendFooter(table.Row{"", "", "", "", rc.Core.Rules.Len() + rc.App.Rules.Len(), ""})
	tw.SetStyle(table.StyleLight)
	return tw.Render()
}

// HandleRules prints the names of the configured rule base.
func HandleRules(args []string) {
	ruleBase := ""
	if len(args) >= 2 && (args[0] == "--rule-base" || args[0] == "-r") {
		ruleBase = args[1]
	} else if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: nre rules [--rule-base a,b]")
		os.Exit(2)
	}
	cfg := setup()
	ctx := context.Background()
	rt := openOrExit(ctx, cfg, false)
	defer rt.Close()

	rc, err := rt.Load(ctx, ruleBase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Rule Base Error: %v\n", err)
		rt.Close()
		os.Exit(1)
	}
	fmt.Println(renderRules(rc))
}
