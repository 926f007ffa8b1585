package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay(t *testing.T) {
	want := []time.Duration{5 * time.Second, 30 * time.Second, 5 * time.Minute, 30 * time.Minute}
	for i, w := range want {
		got, ok := NextDelay(i + 1)
		assert.True(t, ok)
		assert.Equal(t, w, got, "after failure %d", i+1)
	}

	_, ok := NextDelay(MaxAttempts)
	assert.False(t, ok)

	var window time.Duration
	for failures := 1; ; failures++ {
		d, ok := NextDelay(failures)
		if !ok {
			break
		}
		window += d
	}
	assert.Equal(t, 35*time.Minute+35*time.Second, window, "retry window before dead-lettering")
}

func TestStepDelayClamps(t *testing.T) {
	assert.Equal(t, 5*time.Second, stepDelay(0))
	assert.Equal(t, 2*time.Hour, stepDelay(5))
	assert.Equal(t, 2*time.Hour, stepDelay(42))
}

func TestMicroBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMicroBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.TryAcquire())
	b.OnFailure()
	assert.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.TryAcquire())
	assert.Equal(t, now.Add(time.Minute), b.RetryAt())

	now = now.Add(61 * time.Second)
	assert.True(t, b.TryAcquire(), "one trial after the cool-down")
	assert.False(t, b.TryAcquire(), "only one trial in flight")
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.TryAcquire())
}

func TestBreakerSetPerEndpoint(t *testing.T) {
	s := NewBreakerSet(1, time.Minute)
	s.For("ep1").OnFailure()

	assert.False(t, s.For("ep1").TryAcquire())
	assert.True(t, s.For("ep2").TryAcquire())
	assert.Same(t, s.For("ep1"), s.For("ep1"))
}
