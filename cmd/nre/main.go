package main

import (
	"fmt"
	"os"
	"strings"

	"nre/internal/cli"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const usage = `nre - rule engine runtime

Usage:
  nre run [--json] [--rule-base a,b] [--set name=value]... <rule> [args...]
  nre run [--json] -e '<actions>'
  nre check [--json] [--threshold n] <file.re>...
  nre test [-v] [path]
  nre rules [--rule-base a,b]
  nre cache publish|show|reset-mutex|remove
  nre catalog store <name> <file.re>...
  nre serve [--addr :8247]
  nre worker [queue...]
  nre version

Configuration comes from .env, nre.hcl (or NRE_CONFIG) and NRE_* variables.`

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		cli.HandleRun(args)
	case "check":
		cli.HandleCheck(args)
	case "test":
		cli.HandleTest(args)
	case "rules":
		cli.HandleRules(args)
	case "cache":
		cli.HandleCache(args)
	case "catalog":
		cli.HandleCatalog(args)
	case "serve":
		cli.HandleServe(args)
	case "worker":
		cli.HandleWorker(args)
	case "version", "--version":
		cli.HandleVersion()
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		// a bare rule file is checked
		if strings.HasSuffix(cmd, ".re") {
			cli.HandleCheck(os.Args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}
}
