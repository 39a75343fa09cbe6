package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tinvest-trade-bot/internal/database"
	"tinvest-trade-bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)

	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	rows := []models.Trade{
		{Seq: 1, Symbol: "SBER", Type: "BUY", QtyLots: 1, Lot: 10, Price: 250, Timestamp: now.Add(-48 * time.Hour).UnixMilli()},
		{Seq: 2, Symbol: "SBER", Type: "SELL", QtyLots: 1, Lot: 10, Price: 240, Profit: -100, Timestamp: now.Add(-47 * time.Hour).UnixMilli()},
		{Seq: 3, Symbol: "GAZP", Type: "BUY", QtyLots: 1, Lot: 10, Price: 150, Timestamp: now.Add(-2 * time.Hour).UnixMilli()},
		{Seq: 4, Symbol: "GAZP", Type: "SELL", QtyLots: 1, Lot: 10, Price: 160, Profit: 100, Timestamp: now.Add(-time.Hour).UnixMilli()},
	}
	require.NoError(t, db.Create(&rows).Error)
	require.NoError(t, db.Create(&models.Instrument{Symbol: "SBER", Enabled: true}).Error)

	h := NewAPIHandler(zap.NewNop(), db)
	h.now = func() time.Time { return now }
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIHandler(t *testing.T) {
	srv := newTestServer(t)

	t.Run("Trades", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/trades?symbol=gazp&limit=1")
		require.NoError(t, err)
		defer resp.Body.Close()

		var trades []models.Trade
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&trades))
		require.Len(t, trades, 1)
		assert.Equal(t, int64(4), trades[0].Seq)
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/trades?limit=x")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Statistics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/statistics")
		require.NoError(t, err)
		defer resp.Body.Close()

		var st database.Statistics
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, int64(2), st.AllTime.TotalTrades)
		assert.Equal(t, 0.5, st.AllTime.WinRate)
		assert.Equal(t, int64(1), st.Since24h.TotalTrades)
		assert.Equal(t, 100.0, st.Since24h.TotalProfit)
	})

	t.Run("Instruments", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/instruments")
		require.NoError(t, err)
		defer resp.Body.Close()

		var instruments []models.Instrument
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&instruments))
		require.Len(t, instruments, 1)
		assert.Equal(t, "SBER", instruments[0].Symbol)
	})
}
