package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical(t *testing.T) {
	r := NewResolver()
	r.Register("BBG004730N88", "SBER")
	r.Register("BBG006L8G4H1", "YNDX")

	tests := []struct {
		in, want string
	}{
		{" sber ", "SBER"},
		{"YNDX", "YDEX"},
		{"ydex", "YDEX"},
		{"PLTRUBTOM", "PLTRUB_TOM"},
		{"BBGPLTRUBTOM", "PLTRUB_TOM"},
		{"BBG004730N88", "SBER"},
		{"BBG006L8G4H1", "YDEX"},
		{"BBG000000000X", "BBG000000000X"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Canonical(tt.in))
		})
	}
}

func TestResolverLookups(t *testing.T) {
	t.Run("FIGIRoundTrip", func(t *testing.T) {
		r := NewResolver()
		r.Register("bbg004730n88", "sber")

		ticker, ok := r.TickerFor("BBG004730N88")
		require.True(t, ok)
		assert.Equal(t, "SBER", ticker)
		figi, ok := r.FIGIFor("SBER")
		require.True(t, ok)
		assert.Equal(t, "BBG004730N88", figi)
		_, ok = r.TickerFor("BBG999")
		assert.False(t, ok)
	})

	t.Run("IsFIGI", func(t *testing.T) {
		assert.True(t, IsFIGI("BBG004730N88"))
		assert.False(t, IsFIGI("BBG"))
		assert.False(t, IsFIGI("SBER"))
	})

	t.Run("Groups", func(t *testing.T) {
		r := NewResolver()

		assert.Equal(t, "finance", r.Group("SBER"))
		assert.Equal(t, "tech", r.Group("YNDX"))
		assert.Equal(t, "", r.Group("UNKNOWN"))
		assert.Contains(t, r.Groups(), "oil_gas")
	})
}

func TestLoadFile(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "symbols.yml")
	content := `
aliases:
  OLDT: newt
groups:
  chemicals: [PHOR, AKRN]
figis:
  BBG000000001: OLDT
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	r := NewResolver()

	// Act
	err := r.LoadFile(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "NEWT", r.Canonical("oldt"))
	assert.Equal(t, "NEWT", r.Canonical("BBG000000001"))
	assert.Equal(t, "chemicals", r.Group("PHOR"))
	assert.Equal(t, "finance", r.Group("SBER"))

	assert.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "missing.yml")))
}
