package grid

import (
	"testing"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestClientOrderIDRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	id := NewClientOrderID(123, models.RoleTP, 98765, now)

	assert.LessOrEqual(t, len(id), 36)
	level, role, ok := ParseClientOrderID(id)
	assert.True(t, ok)
	assert.Equal(t, 123, level)
	assert.Equal(t, models.RoleTP, role)
}

func TestClientOrderIDsAreUnique(t *testing.T) {
	now := time.Now()
	a := NewClientOrderID(1, models.RoleEntry, 1, now)
	b := NewClientOrderID(1, models.RoleEntry, 2, now)
	assert.NotEqual(t, a, b)
}

func TestParseClientOrderIDRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{"", "web_abc", "grid_x_e1_1", "grid_1_z1_1", "grid_1"} {
		_, _, ok := ParseClientOrderID(id)
		assert.False(t, ok, id)
	}
}
