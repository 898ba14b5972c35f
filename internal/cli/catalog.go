package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"nre/pkg/rulebase"
)

const catalogUsage = "Usage: nre catalog store <name> <file.re>..."

// catalogStore copies rule files into the rule_base table of the default
// database, one row per file. Each file must parse first.
func catalogStore(ctx context.Context, rt *Runtime, name string, files []string, w io.Writer) error {
	if rt.DB == nil {
		return errors.New("no database configured")
	}
	db, d := rt.DB.GetDefault()
	if db == nil {
		return errors.New("no default database")
	}
	bodies := make([]string, len(files))
	for i, f := range files {
		rep := checkFile(f, rt.Cfg.CondIndexThreshold)
		if len(rep.Errors) > 0 {
			return rep.Errors[0]
		}
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		bodies[i] = string(b)
	}
	if err := rulebase.EnsureCatalogSchema(ctx, db, d); err != nil {
		return err
	}
	if err := rulebase.StoreInCatalog(ctx, db, d, name, bodies); err != nil {
		return err
	}
	fmt.Fprintf(w, "✅ Stored %d file(s) as %s%s\n", len(files), CatalogPrefix, name)
	return nil
}

// HandleCatalog manages rule bases kept in the database.
func HandleCatalog(args []string) {
	if len(args) < 3 || args[0] != "store" {
		fmt.Fprintln(os.Stderr, catalogUsage)
		os.Exit(2)
	}
	cfg := setup()
	ctx := context.Background()
	rt := openOrExit(ctx, cfg, true)

	err := catalogStore(ctx, rt, args[1], args[2:], os.Stdout)
	if cerr := rt.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Catalog Error: %v\n", err)
		os.Exit(1)
	}
}
