package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cast"

	"nre/pkg/fastjson"
	"nre/pkg/parser"
	"nre/pkg/rerr"
	"nre/pkg/ruleindex"
)

const checkUsage = "Usage: nre check [--json] [--threshold n] <file.re>..."

// fileReport is the outcome of checking one rule file.
type fileReport struct {
	File      string            `json:"file"`
	Rules     int               `json:"rules"`
	Names     int               `json:"names"`
	CondIndex int               `json:"cond_indexes"`
	Errors    []rerr.Diagnostic `json:"errors,omitempty"`
}

// checkFile parses path and builds its index.
func checkFile(path string, threshold int) fileReport {
	rep := fileReport{File: path}
	rules, err := parser.ParseFile(path)
	if err != nil {
		rep.Errors = append(rep.Errors, rerr.ToDiagnostic(err))
		return rep
	}
	rep.Rules = len(rules)
	idx, err := ruleindex.Build(ruleindex.NewRuleSet(rules...), threshold)
	if err != nil {
		rep.Errors = append(rep.Errors, rerr.ToDiagnostic(err))
		return rep
	}
	rep.Names = len(idx.Names())
	for _, l := range idx.Lists() {
		for _, n := range l.Nodes {
			if n.Cond != nil {
				rep.CondIndex++
			}
		}
	}
	return rep
}

// checkFiles checks every path and writes the reports. It returns false when
// any file has errors.
func checkFiles(w io.Writer, paths []string, threshold int, asJSON bool) bool {
	ok := true
	reports := make([]fileReport, len(paths))
	for i, p := range paths {
		reports[i] = checkFile(p, threshold)
		if len(reports[i].Errors) > 0 {
			ok = false
		}
	}

	if asJSON {
		fastjson.WriteIndent(w, map[string]interface{}{
			"success": ok,
			"files":   reports,
		})
		return ok
	}
	for _, r := range reports {
		if len(r.Errors) == 0 {
			fmt.Fprintf(w, "✅ %s: %d rules, %d names, %d conditional indexes\n", r.File, r.Rules, r.Names, r.CondIndex)
			continue
		}
		for _, d := range r.Errors {
			fmt.Fprintf(w, "❌ Syntax Error: %s\n", d.Error())
		}
	}
	return ok
}

// HandleCheck parses rule files without running them.
func HandleCheck(args []string) {
	isJSON := false
	threshold := ruleindex.DefaultThreshold
	var paths []string

	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--json":
			isJSON = true
		case arg == "--threshold" && i+1 < len(args):
			i++
			n, err := cast.ToIntE(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--threshold: %v\n", err)
				os.Exit(2)
			}
			threshold = n
		case strings.HasPrefix(arg, "-"):
			fmt.Fprintln(os.Stderr, checkUsage)
			os.Exit(2)
		default:
			paths = append(paths, arg)
		}
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, checkUsage)
		os.Exit(2)
	}

	if !checkFiles(os.Stdout, paths, threshold, isJSON) {
		os.Exit(1)
	}
}
