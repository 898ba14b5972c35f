package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nre/pkg/dbmanager"
	"nre/pkg/engine"
	"nre/pkg/parser"
	"nre/pkg/ruleindex"
	"nre/pkg/worker"
)

// TestSuffix marks rule files holding tests.
const TestSuffix = ".test.re"

// testResult is the outcome of one test rule.
type testResult struct {
	Name     string
	Err      error
	Output   string
	Duration time.Duration
}

// testRules returns the zero-parameter rules whose name starts with "test",
// in declaration order.
func testRules(idx *ruleindex.Index) []string {
	var names []string
	for _, name := range idx.Names() {
		l, _ := idx.Lookup(name)
		if !strings.HasPrefix(name, "test") || len(l.Nodes) == 0 {
			continue
		}
		if idx.Rules.Get(l.Nodes[0].Rule).Node.NumParams() == 0 {
			names = append(names, name)
		}
	}
	return names
}

// runTestFile runs every test rule of path in its own evaluation against an
// in-memory database and job queue.
func runTestFile(ctx context.Context, path string, threshold int) ([]testResult, error) {
	rules, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	idx, err := ruleindex.Build(ruleindex.NewRuleSet(rules...), threshold)
	if err != nil {
		return nil, err
	}

	dbMgr := dbmanager.NewDBManager()
	if err := dbMgr.AddConnection(ctx, "default", "sqlite", ":memory:", 1, 1); err != nil {
		return nil, err
	}
	defer dbMgr.Close()
	queue := worker.NewMemQueue()
	defer queue.Close()

	rc := engine.NewContext(nil, idx,
		engine.WithRuleBase(filepath.Base(path)),
		engine.WithDB(dbMgr),
		engine.WithQueue(worker.NewDelayer(queue)))

	var results []testResult
	for _, name := range testRules(idx) {
		start := time.Now()
		ev := rc.NewEvaluator(nil)
		_, err := ev.ExecRule(ctx, name, nil, false)
		results = append(results, testResult{
			Name:     name,
			Err:      err,
			Output:   ev.Stdout.String(),
			Duration: time.Since(start),
		})
		ev.Close()
	}
	return results, nil
}

// findTestFiles returns target itself when it is a file, or every test file
// below it.
func findTestFiles(target string) ([]string, error) {
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{target}, nil
	}
	var files []string
	err = filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, TestSuffix) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// runTests runs every file and prints a line per test. It returns the
// number of failures.
func runTests(ctx context.Context, w io.Writer, files []string, threshold int, verbose bool) int {
	failed := 0
	for _, f := range files {
		results, err := runTestFile(ctx, f, threshold)
		if err != nil {
			fmt.Fprintf(w, "❌ FAIL: %s\n   Error: %v\n", f, err)
			failed++
			continue
		}
		if len(results) == 0 {
			fmt.Fprintf(w, "⚠️  %s: no test rules\n", f)
		}
		for _, r := range results {
			if r.Err == nil {
				fmt.Fprintf(w, "✅ PASS: %s %s (%s)\n", f, r.Name, r.Duration.Round(time.Microsecond))
				if verbose && r.Output != "" {
					fmt.Fprint(w, indent(r.Output))
				}
				continue
			}
			failed++
			fmt.Fprintf(w, "❌ FAIL: %s %s\n   Error: %v\n", f, r.Name, r.Err)
			if r.Output != "" {
				fmt.Fprint(w, indent(r.Output))
			}
		}
	}
	return failed
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	return "   | " + strings.Join(lines, "\n   | ") + "\n"
}

// HandleTest executes the test rules of *.test.re files.
// Usage: nre test [-v] [path]
func HandleTest(args []string) {
	fmt.Println("🧪 Starting rule test runner...")
	start := time.Now()

	verbose := false
	target := "tests"
	for _, a := range args {
		if a == "-v" {
			verbose = true
		} else {
			target = a
		}
	}
	cfg := setup()

	files, err := findTestFiles(target)
	if err != nil {
		fmt.Printf("❌ Target '%s': %v\n", target, err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("⚠️  No test files found (looking for *%s).\n", TestSuffix)
		return
	}

	failed := runTests(context.Background(), os.Stdout, files, cfg.CondIndexThreshold, verbose)
	fmt.Println("\n" + strings.Repeat("-", 40))
	if failed == 0 {
		fmt.Printf("🎉 All tests passed! (%s)\n", time.Since(start))
		return
	}
	fmt.Printf("💥 %d failed. (%s)\n", failed, time.Since(start))
	os.Exit(1)
}
