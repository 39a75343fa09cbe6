package ledger

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tinvest-trade-bot/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(symbol, action string, qtyLots, lot int, price float64) events.Event {
	return events.Trade(symbol, action, qtyLots, lot, price)
}

func TestReplay(t *testing.T) {
	t.Run("RoundTripRealizesProfit", func(t *testing.T) {
		b := Replay([]events.Event{
			trade("SYM", events.ActionBuy, 10, 1, 100),
			trade("SYM", events.ActionSell, 10, 1, 110),
		})

		p := b.Position("SYM")
		assert.Equal(t, 100.0, b.Realized("SYM"))
		assert.Equal(t, 0.0, p.Shares)
		assert.Equal(t, 0.0, p.AvgPrice())
	})

	t.Run("AverageCostPartialSells", func(t *testing.T) {
		b := Replay([]events.Event{
			trade("SBER", events.ActionBuy, 1, 10, 100),
			trade("SBER", events.ActionBuy, 1, 10, 110),
			trade("SBER", events.ActionSell, 1, 10, 120),
		})

		p := b.Position("SBER")
		assert.InDelta(t, 10.0, p.Shares, 1e-12)
		assert.InDelta(t, 105.0, p.AvgPrice(), 1e-12)
		assert.InDelta(t, 150.0, b.Realized("SBER"), 1e-9)
	})

	t.Run("OversellIsClamped", func(t *testing.T) {
		b := Replay([]events.Event{
			trade("GAZP", events.ActionBuy, 2, 10, 150),
			trade("GAZP", events.ActionSell, 5, 10, 160),
		})

		p := b.Position("GAZP")
		assert.Equal(t, 0.0, p.Shares)
		assert.Equal(t, 0.0, p.Cost)
		assert.InDelta(t, 200.0, b.Realized("GAZP"), 1e-9)
		fills := b.Fills()
		assert.Equal(t, 20.0, fills[1].Shares)
		assert.Equal(t, 5, fills[1].QtyLots)
	})

	t.Run("LoggedPnLIsKept", func(t *testing.T) {
		b := Replay([]events.Event{
			trade("GAZP", events.ActionBuy, 1, 10, 150),
			trade("GAZP", events.ActionSell, 1, 10, 160).With("pnl", 95.0),
			trade("LKOH", events.ActionSell, 1, 1, 7000).With("pnl", 40.0),
		})

		fills := b.Fills()
		assert.Equal(t, 100.0, fills[1].Realized)
		assert.Equal(t, 95.0, fills[1].PnL)
		assert.Equal(t, 0.0, fills[2].Realized)
		assert.Equal(t, 0.0, fills[2].Shares)
		assert.Equal(t, 40.0, fills[2].PnL)
	})

	t.Run("DustSnapsToZero", func(t *testing.T) {
		b := Replay([]events.Event{
			trade("VTBR", events.ActionBuy, 3, 1, 0.1),
			trade("VTBR", events.ActionSell, 1, 1, 0.1),
			trade("VTBR", events.ActionSell, 1, 1, 0.1),
			trade("VTBR", events.ActionSell, 1, 1, 0.1),
		})

		p := b.Position("VTBR")
		assert.Equal(t, 0.0, p.Shares)
		assert.Equal(t, 0.0, p.Cost)
		assert.Empty(t, b.Positions())
	})

	t.Run("IncompleteEventsAreSkipped", func(t *testing.T) {
		noLot := trade("LKOH", events.ActionBuy, 1, 1, 7000)
		noLot.Lot = nil
		noPrice := trade("LKOH", events.ActionBuy, 1, 1, 7000)
		noPrice.Price = nil
		zeroQty := trade("LKOH", events.ActionBuy, 0, 1, 7000)
		skip := events.Skip("LKOH", "cooldown").WithPrice(7000)

		b := Replay([]events.Event{noLot, noPrice, zeroQty, skip, trade("LKOH", events.ActionBuy, 1, 1, 7000)})

		assert.Equal(t, 1.0, b.Position("LKOH").Shares)
		assert.Len(t, b.Fills(), 1)
	})

	t.Run("Deterministic", func(t *testing.T) {
		seq := []events.Event{
			trade("SBER", events.ActionBuy, 3, 10, 271.13),
			trade("GAZP", events.ActionBuy, 7, 10, 133.37),
			trade("SBER", events.ActionSell, 1, 10, 275.01),
			trade("SBER", events.ActionBuy, 2, 10, 269.99),
			trade("GAZP", events.ActionSell, 7, 10, 131.03),
			trade("SBER", events.ActionSell, 4, 10, 280.47),
		}

		a := Replay(seq)
		b := Replay(seq)

		assert.Equal(t, a.Positions(), b.Positions())
		assert.Equal(t, a.TotalRealized(), b.TotalRealized())
		for _, sym := range []string{"SBER", "GAZP"} {
			assert.Equal(t, a.Realized(sym), b.Realized(sym))
			assert.Equal(t, a.Position(sym), b.Position(sym))
		}
	})

	t.Run("CanonicalizerFoldsAliases", func(t *testing.T) {
		canon := func(s string) string {
			if strings.EqualFold(s, "YNDX") {
				return "YDEX"
			}
			return strings.ToUpper(s)
		}

		b := Replay([]events.Event{
			trade("YNDX", events.ActionBuy, 1, 1, 4000),
			trade("YDEX", events.ActionSell, 1, 1, 4100),
		}, WithCanonicalizer(canon))

		assert.Equal(t, 100.0, b.Realized("YDEX"))
		assert.Equal(t, 100.0, b.Realized("YNDX"))
		assert.Equal(t, 0.0, b.Position("YDEX").Shares)
	})
}

func TestReplayLog(t *testing.T) {
	// Arrange
	start := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clock := start
	log := events.New(filepath.Join(t.TempDir(), "audit.jsonl"), events.WithClock(func() time.Time {
		clock = clock.Add(time.Hour)
		return clock
	}))
	log.Append(trade("SBER", events.ActionBuy, 2, 10, 100))
	log.Append(events.Skip("SBER", "cooldown"))
	log.Append(trade("SBER", events.ActionSell, 1, 10, 120))
	log.Append(trade("SBER", events.ActionSell, 1, 10, 90))

	// Act
	b, err := ReplayLog(log)

	// Assert
	require.NoError(t, err)
	assert.InDelta(t, 100.0, b.TotalRealized(), 1e-9)
	fills := b.Fills()
	require.Len(t, fills, 3)
	assert.InDelta(t, 200.0, fills[1].Realized, 1e-9)
	assert.InDelta(t, -100.0, fills[2].Realized, 1e-9)
	assert.InDelta(t, -100.0, b.RealizedSince(start.Add(4*time.Hour)), 1e-9)
}
