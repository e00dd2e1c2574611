package autodialer

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("invalid auto-dialer config")

// Config is the per-session cadence. Zero durations mean no delay and an
// immediate no-answer deadline respectively.
type Config struct {
	Enabled           bool          `json:"enabled"`
	DelayBetweenCalls time.Duration `json:"delay_between_calls"`
	NoAnswerTimeout   time.Duration `json:"no_answer_timeout"`
}

// ConfigFromMillis builds a Config from the millisecond values operators
// send. Negative values are rejected; anything else is accepted as is.
func ConfigFromMillis(enabled bool, delayMs, noAnswerMs int64) (Config, error) {
	if delayMs < 0 || noAnswerMs < 0 {
		return Config{}, ErrInvalidConfig
	}
	return Config{
		Enabled:           enabled,
		DelayBetweenCalls: time.Duration(delayMs) * time.Millisecond,
		NoAnswerTimeout:   time.Duration(noAnswerMs) * time.Millisecond,
	}, nil
}

// Timer is the subset of *time.Timer the manager uses.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
