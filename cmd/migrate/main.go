package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"island/migrations"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up          Migrate the island cache to the latest version")
	fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
	fmt.Fprintln(os.Stderr, "  down        Roll back one version")
	fmt.Fprintln(os.Stderr, "  status      Show migration status")
	fmt.Fprintln(os.Stderr, "  version     Show current version")
	fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations, dropping cached posts and settings")
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/island.db"), "path to sqlite database")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		log.Fatalf("create migration provider: %v", err)
	}

	ctx := context.Background()
	cmd := args[0]
	switch cmd {
	case "up":
		results, upErr := provider.Up(ctx)
		printResults(results...)
		err = upErr
	case "up-one":
		var r *goose.MigrationResult
		r, err = provider.UpByOne(ctx)
		printResults(r)
	case "down":
		var r *goose.MigrationResult
		r, err = provider.Down(ctx)
		printResults(r)
	case "status":
		var statuses []*goose.MigrationStatus
		statuses, err = provider.Status(ctx)
		for _, s := range statuses {
			applied := "pending"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-8d %-10s %-20s %s\n", s.Source.Version, s.State, applied, s.Source.Path)
		}
	case "version":
		var v int64
		v, err = provider.GetDBVersion(ctx)
		if err == nil {
			fmt.Printf("version %d\n", v)
		}
	case "reset":
		results, downErr := provider.DownTo(ctx, 0)
		printResults(results...)
		err = downErr
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func printResults(results ...*goose.MigrationResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Printf("%-4s %-8d %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
