package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/asyncgate/asyncgate/pkg/storage"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection string (default: ASYNCGATE_DATABASE_URL)")
	dryRun      = flag.Bool("dry-run", false, "Print the schema statements without applying them")
	timeout     = flag.Duration("timeout", 30*time.Second, "Overall migration timeout")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("AsyncGate Schema Migration Tool")
	log.Println("===============================")

	url := *databaseURL
	if url == "" {
		url = os.Getenv("ASYNCGATE_DATABASE_URL")
	}
	if url == "" && !*dryRun {
		log.Fatal("No database URL: pass -database-url or set ASYNCGATE_DATABASE_URL")
	}

	if *dryRun {
		log.Printf("Dry run: %d statements", len(storage.Schema))
		for i, stmt := range storage.Schema {
			log.Printf("-- statement %d --\n%s", i+1, stmt)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := storage.NewPostgres(ctx, url)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	log.Printf("Applying %d schema statements...", len(storage.Schema))
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ Schema is up to date")
}
