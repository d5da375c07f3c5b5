package core

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/risk"
	"tradegate/pkg/types"
)

// dayCounters tracks the per-day telemetry the risk rules consume: trade
// count, running PnL, and the portfolio high-water mark. Counters roll
// over at midnight UTC; the high-water mark does not.
type dayCounters struct {
	mu     sync.Mutex
	day    string // YYYY-MM-DD UTC
	trades int
	pnl    decimal.Decimal
	high   decimal.Decimal
	now    func() time.Time
}

func newDayCounters() *dayCounters {
	return &dayCounters{now: time.Now}
}

func (d *dayCounters) rollLocked() {
	today := d.now().UTC().Format("2006-01-02")
	if d.day != today {
		d.day = today
		d.trades = 0
		d.pnl = decimal.Zero
	}
}

// recordTrade counts one executed trade.
func (d *dayCounters) recordTrade() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollLocked()
	d.trades++
}

// observe updates the PnL estimate and high-water mark from a fresh
// portfolio snapshot.
func (d *dayCounters) observe(p types.Portfolio) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollLocked()

	pnl := decimal.Zero
	for _, pos := range p.Positions {
		pnl = pnl.Add(pos.UnrealizedPnL).Add(pos.RealizedPnL)
	}
	d.pnl = pnl

	if p.TotalValue.GreaterThan(d.high) {
		d.high = p.TotalValue
	}
}

// riskContext snapshots the counters for one evaluation.
func (d *dayCounters) riskContext() risk.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollLocked()
	return risk.Context{
		DailyTrades:   d.trades,
		DailyPnL:      d.pnl,
		PortfolioHigh: d.high,
	}
}
