package util

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		require.True(t, next > prev, "ids must sort by creation: %s <= %s", next, prev)
		prev = next
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID(New()))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("not-a-ulid"))
}

func TestNewSecret(t *testing.T) {
	s, err := NewSecret("whsec_")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s, "whsec_"))
	assert.Len(t, s, len("whsec_")+64)

	other, err := NewSecret("whsec_")
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestDeriveIsDeterministic(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	a := Derive(at, "events/0/42")
	assert.Equal(t, a, Derive(at, "events/0/42"))
	assert.NotEqual(t, a, Derive(at, "events/0/43"))
	assert.True(t, ValidID(a))

	zero := Derive(time.Time{}, "events/0/42")
	assert.True(t, ValidID(zero))
	assert.Equal(t, zero, Derive(time.Time{}, "events/0/42"))
}
