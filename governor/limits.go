package governor

import (
	"time"

	"github.com/effective-security/toolgate/chatmodel"
)

// Window is one rolling rate window granularity.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// windows are checked in escalation order.
var windows = []Window{WindowMinute, WindowHour, WindowDay}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// bucket returns the period bucket of the window for the given time.
func (w Window) bucket(now time.Time) string {
	now = now.UTC()
	switch w {
	case WindowMinute:
		return now.Format("200601021504")
	case WindowHour:
		return now.Format("2006010215")
	default:
		return now.Format("20060102")
	}
}

// Limits are the per-tier ceilings: request counts per rolling window and
// the daily token quota.
type Limits struct {
	PerMinute    int64 `json:"per_minute" yaml:"per_minute"`
	PerHour      int64 `json:"per_hour" yaml:"per_hour"`
	PerDay       int64 `json:"per_day" yaml:"per_day"`
	TokensPerDay int64 `json:"tokens_per_day" yaml:"tokens_per_day"`
}

// Ceiling returns the request ceiling for the window.
func (l Limits) Ceiling(w Window) int64 {
	switch w {
	case WindowMinute:
		return l.PerMinute
	case WindowHour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// DefaultLimits are the stock tier ceilings. Anonymous callers are metered
// by network origin and get the strictest ceilings.
var DefaultLimits = map[chatmodel.Tier]Limits{
	chatmodel.TierAnonymous: {
		PerMinute:    5,
		PerHour:      50,
		PerDay:       100,
		TokensPerDay: 10_000,
	},
	chatmodel.TierFree: {
		PerMinute:    10,
		PerHour:      100,
		PerDay:       1000,
		TokensPerDay: 100_000,
	},
	chatmodel.TierPro: {
		PerMinute:    60,
		PerHour:      1000,
		PerDay:       10_000,
		TokensPerDay: 1_000_000,
	},
	chatmodel.TierEnterprise: {
		PerMinute:    300,
		PerHour:      10_000,
		PerDay:       100_000,
		TokensPerDay: 10_000_000,
	},
}
