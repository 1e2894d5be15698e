package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/web3guy0/chainsniper/storage"
)

// Inspects the sniper database: tables, row counts, open positions and the
// monitor checkpoint. RESET=true drops and recreates every table first.
func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_PATH")
	if dsn == "" {
		fmt.Println("❌ DATABASE_PATH not set")
		os.Exit(1)
	}

	fmt.Println("🔌 Connecting to database...")
	db, err := storage.New(dsn)
	if err != nil {
		fmt.Printf("❌ Connection error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fmt.Println("✅ Database connected, schema migrated")

	if os.Getenv("RESET") == "true" {
		fmt.Println("\n🧹 RESETTING ALL TABLES...")
		if err := db.Reset(); err != nil {
			fmt.Printf("❌ Reset failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("  ✅ Tables recreated")
	}

	counts, err := db.Counts()
	if err != nil {
		fmt.Printf("❌ Count error: %v\n", err)
		os.Exit(1)
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	fmt.Println("\n📊 Row counts:")
	for _, t := range tables {
		fmt.Printf("  - %s: %d rows\n", t, counts[t])
	}

	if block, err := db.LoadCheckpoint("monitor:last_confirmed"); err == nil && block > 0 {
		fmt.Printf("\n⛓️  Last confirmed block: %d\n", block)
	}

	positions, err := db.OpenPositions()
	if err != nil {
		fmt.Printf("❌ Position query error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n💼 Open positions: %d\n", len(positions))
	for _, p := range positions {
		fmt.Printf("  - %s %s qty=%s opened %s\n",
			p.ID, p.Token.Hex(), p.Quantity.Dec(), p.OpenedAt.Format(time.RFC3339))
	}

	strategies, err := db.LoadStrategies()
	if err == nil {
		fmt.Printf("\n🎯 Stored strategies: %d\n", len(strategies))
		for _, s := range strategies {
			state := "disabled"
			if s.Enabled {
				state = "enabled"
			}
			fmt.Printf("  - %s (%s) %s\n", s.Name, s.Type, state)
		}
	}

	fmt.Println("\n✅ Done")
}
