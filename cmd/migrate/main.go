package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"vetsync.org/internal/migrate"
	"vetsync.org/internal/obs"
	"vetsync.org/migrations"
)

func main() {
	_ = godotenv.Load()
	log := obs.Logger()
	defer obs.Sync()

	dsn := flag.String("dsn", os.Getenv("VETSYNC_PG_DSN"), "PostgreSQL DSN")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or VETSYNC_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalw("open db", "error", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, ".", "seeds")

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalw("migrate failed", "command", flag.Arg(0), "error", err)
	}
}
