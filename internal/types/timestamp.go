package types

import "time"

// Timestamp is microseconds since the Unix epoch.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts t to microsecond precision.
func FromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMicro())
}

// Time converts back to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// Add returns t shifted by d, truncated to microseconds.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d/time.Microsecond)
}

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(t-u) * time.Microsecond
}

// Before reports whether t is strictly before u.
func (t Timestamp) Before(u Timestamp) bool { return t < u }

// After reports whether t is strictly after u.
func (t Timestamp) After(u Timestamp) bool { return t > u }

func (t Timestamp) String() string {
	return t.Time().UTC().Format(time.RFC3339Nano)
}

// MaxTimestamp returns the later of a and b.
func MaxTimestamp(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}
