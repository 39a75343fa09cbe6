package trader

import (
	"sort"
	"time"

	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/risk"
)

// Report summarises one trading day.
type Report struct {
	Day            string         `json:"day"`
	RealizedToday  float64        `json:"realizedToday"`
	RealizedTotal  float64        `json:"realizedTotal"`
	Buys           int            `json:"buys"`
	Sells          int            `json:"sells"`
	Wins           int            `json:"wins"`
	Losses         int            `json:"losses"`
	Drawdown       float64        `json:"drawdown"`
	EntriesBlocked bool           `json:"entriesBlocked"`
	BlockReason    string         `json:"blockReason,omitempty"`
	OpenPositions  []string       `json:"openPositions"`
	Skips          map[string]int `json:"skips,omitempty"`
}

// BuildReport derives the day report from the book's fills since dayStart,
// the risk status and, when given, the day's events for skip counts.
func BuildReport(book *ledger.Book, today []events.Event, st risk.Status, dayStart time.Time) Report {
	r := Report{
		Day:            st.Date,
		RealizedToday:  book.RealizedSince(dayStart),
		RealizedTotal:  book.TotalRealized(),
		Drawdown:       st.Drawdown,
		EntriesBlocked: st.EntriesBlocked,
		BlockReason:    st.BlockReason,
		OpenPositions:  []string{},
	}
	if r.Day == "" {
		r.Day = dayStart.Format("2006-01-02")
	}
	for _, f := range book.Fills() {
		if f.TS.Before(dayStart) {
			continue
		}
		switch f.Action {
		case events.ActionBuy:
			r.Buys++
		case events.ActionSell:
			r.Sells++
			if f.Realized > 0 {
				r.Wins++
			} else {
				r.Losses++
			}
		}
	}
	for _, p := range book.Positions() {
		r.OpenPositions = append(r.OpenPositions, p.Symbol)
	}
	sort.Strings(r.OpenPositions)

	for _, e := range today {
		if e.Kind != events.KindSkip || e.TS.Before(dayStart) {
			continue
		}
		if r.Skips == nil {
			r.Skips = make(map[string]int)
		}
		r.Skips[e.Reason]++
	}
	return r
}
