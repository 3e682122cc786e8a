// Package retry computes the next attempt time for a message after a
// transient failure, adapted from chasquid's queue.nextDelay but driven
// by an explicit attempt count and delay schedule, as opposed to
// chasquid's elapsed-time buckets, so it is reproducible independent of
// wall-clock drift.
package retry

import (
	"math/rand/v2"
	"time"
)

// DefaultScheduleMinutes is used whenever a message does not carry a
// custom retry schedule.
var DefaultScheduleMinutes = []int{1, 3, 10, 30, 60, 120, 240, 480, 960}

// DefaultGiveUpAfter caps how long a message may keep retrying, regardless
// of how much of its schedule remains. Zero means unbounded. Mirrors
// chasquid's queue.GiveUpAfter, which applies the same cap by CreatedAt age
// rather than by schedule position.
var DefaultGiveUpAfter time.Duration

// Jitter added to every computed delay, to avoid every queued message
// retrying at the exact same instant after a restart.
const maxJitter = 60 * time.Second

// Decision is the result of computing the next attempt for a message.
type Decision struct {
	// Delay until the next attempt, valid only if !GiveUp.
	Delay time.Duration
	// GiveUp is true when the schedule is exhausted without progress.
	GiveUp bool
}

// Next computes the next retry decision.
//
// attemptCount is the number of previous attempts for the message (n in
// the spec), schedule is either the message's custom
// future_retry_delay_minutes or DefaultScheduleMinutes, madeProgress
// indicates whether the attempt just run changed any mailbox state (so a
// message that has exhausted its schedule but is still making progress on
// other recipients is not force-failed), and age is how long the message
// has been in the queue, checked against DefaultGiveUpAfter.
func Next(attemptCount int, schedule []int, madeProgress bool, age time.Duration) Decision {
	if DefaultGiveUpAfter > 0 && age >= DefaultGiveUpAfter {
		return Decision{GiveUp: true}
	}
	if len(schedule) == 0 {
		// Edge case: an empty schedule means give up after the first
		// transient failure.
		return Decision{GiveUp: true}
	}

	idx := attemptCount
	if idx >= len(schedule) {
		if !madeProgress {
			return Decision{GiveUp: true}
		}
		idx = len(schedule) - 1
	}

	minutes := schedule[idx]
	if minutes < 0 {
		minutes = 0
	}

	delay := time.Duration(minutes) * time.Minute
	delay += jitter()
	return Decision{Delay: delay}
}

func jitter() time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return rand.N(maxJitter)
}
