package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldowns(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	t.Run("ActiveUntilDeadline", func(t *testing.T) {
		c := NewCooldowns(10 * time.Minute)
		c.Start("SBER", at)

		_, during := c.Until("SBER", at.Add(9*time.Minute))
		_, after := c.Until("SBER", at.Add(10*time.Minute))

		assert.True(t, during)
		assert.False(t, after)
		assert.Len(t, c.Active(at), 1)
	})

	t.Run("EarlierStartNeverShortens", func(t *testing.T) {
		c := NewCooldowns(10 * time.Minute)
		c.Start("SBER", at)
		c.Start("SBER", at.Add(-5*time.Minute))

		d, _ := c.Until("SBER", at)

		assert.Equal(t, at.Add(10*time.Minute), d)
	})

	t.Run("ZeroPeriodDisabled", func(t *testing.T) {
		c := NewCooldowns(0)
		c.Start("SBER", at)

		_, active := c.Until("SBER", at)

		assert.False(t, active)
	})
}
