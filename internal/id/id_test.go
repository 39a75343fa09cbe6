package id

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("Sortable", func(t *testing.T) {
		prev := New()
		for i := 0; i < 1000; i++ {
			next := New()
			assert.Less(t, prev, next)
			prev = next
		}
	})

	t.Run("TimeRoundTrip", func(t *testing.T) {
		at := time.Date(2026, 3, 2, 7, 0, 0, 123_000_000, time.UTC)

		ts, err := Time(At(at))

		require.NoError(t, err)
		assert.True(t, at.Equal(ts.UTC()))
	})

	t.Run("InvalidID", func(t *testing.T) {
		_, err := Time("not-a-ulid")
		assert.Error(t, err)
	})
}
