package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/storage"
	"github.com/web3guy0/chainsniper/types"
)

// Prints an outcome table of closed positions and a failure breakdown of
// recent orders from the sniper database.
func main() {
	limit := flag.Int("n", 50, "number of closed positions to analyze")
	flag.Parse()

	_ = godotenv.Load()

	db, err := storage.New(os.Getenv("DATABASE_PATH"))
	if err != nil {
		fmt.Println("Error opening database:", err)
		return
	}
	defer db.Close()
	if !db.IsEnabled() {
		fmt.Println("DATABASE_PATH not set")
		return
	}

	positions, err := db.ClosedPositions(*limit)
	if err != nil {
		fmt.Println("Error fetching positions:", err)
		return
	}

	fmt.Printf("📊 TRADE ANALYSIS - Closed Positions: %d\n\n", len(positions))

	var totalPnL decimal.Decimal
	wins, losses := 0, 0
	reasons := map[string]int{}

	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Println("│ TOKEN        │ COST (ETH) │ PROCEEDS   │ P&L (ETH)  │ RETURN  │ NOTES")
	fmt.Println("═══════════════════════════════════════════════════════════════════════")

	for _, p := range positions {
		cost := types.ToEther(p.TotalCost)
		proceeds := types.ToEther(p.Proceeds)
		pnl := p.RealizedPnL.Shift(-18)
		totalPnL = totalPnL.Add(pnl)

		ret := decimal.Zero
		if cost.IsPositive() {
			ret = pnl.Div(cost).Mul(decimal.NewFromInt(100))
		}

		notes := "✅ WIN"
		if !p.RealizedPnL.IsPositive() {
			losses++
			notes = "❌ LOSS"
		} else {
			wins++
		}

		fmt.Printf("│ %-12s │ %10s │ %10s │ %10s │ %6s%% │ %s\n",
			p.Token.Hex()[:12],
			cost.StringFixed(4),
			proceeds.StringFixed(4),
			pnl.StringFixed(4),
			ret.StringFixed(1),
			notes,
		)
	}

	orders, err := db.RecentOrders(500)
	if err == nil {
		for _, o := range orders {
			if o.Side == types.SideSell && o.Status == types.OrderConfirmed && o.Reason != "" {
				reasons[o.Reason]++
			}
		}
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════════")
	fmt.Printf("\n📈 SUMMARY:\n")
	if wins+losses > 0 {
		fmt.Printf("   Wins: %d | Losses: %d | Win Rate: %.1f%%\n", wins, losses, float64(wins)/float64(wins+losses)*100)
	}
	fmt.Printf("   Total P&L: %s ETH\n", totalPnL.StringFixed(4))

	if len(reasons) > 0 {
		fmt.Printf("\n🚪 EXIT REASONS:\n")
		for r, n := range reasons {
			fmt.Printf("   %-14s %d\n", r, n)
		}
	}

	failed := map[string]int{}
	for _, o := range orders {
		if o.Status == types.OrderFailed {
			failed[o.Error]++
		}
	}
	if len(failed) > 0 {
		fmt.Printf("\n⚠️  FAILED ORDERS:\n")
		for e, n := range failed {
			fmt.Printf("   %-40s %d\n", e, n)
		}
	}

	if len(positions) > 0 {
		first := positions[len(positions)-1]
		last := positions[0]
		if first.ClosedAt != nil && last.ClosedAt != nil {
			fmt.Printf("\n   Date Range: %s to %s\n",
				first.ClosedAt.Format("Jan 2 15:04"),
				last.ClosedAt.Format("Jan 2 15:04"),
			)
		}
	}
}
