/*
Clock used for offset calculation and displayed timestamps.

Replace with fixed clock in tests. Offset is calculated against NowUTC, check
timestamps shown to user and written to audit log come from Now.
*/
package timekeeper

import "time"

type Clock interface {
	Now() time.Time
	NowUTC() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) NowUTC() time.Time {
	return time.Now().UTC()
}
