package dispatcher

import "time"

// MaxAttempts is the delivery budget of one (event, endpoint) pair.
const MaxAttempts = 5

// RetrySchedule is the wait after the 1st to 4th failure. The 5th failure
// spends MaxAttempts and dead-letters, so a delivery is retried for
// 5s+30s+5m+30m = 35m35s in total. The 2h step is never a retry wait; it
// caps deferrals (disabled endpoint) past the last step.
var RetrySchedule = [...]time.Duration{
	5 * time.Second,
	30 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// NextDelay returns the wait after the given number of failed attempts and
// false once the budget is spent.
func NextDelay(failures int) (time.Duration, bool) {
	if failures >= MaxAttempts {
		return 0, false
	}
	return stepDelay(failures), true
}

// stepDelay is the schedule step for a delivery with the given failures,
// clamped to the table. Deferrals that do not consume an attempt use it too.
func stepDelay(failures int) time.Duration {
	switch {
	case failures < 1:
		return RetrySchedule[0]
	case failures > len(RetrySchedule):
		return RetrySchedule[len(RetrySchedule)-1]
	}
	return RetrySchedule[failures-1]
}
