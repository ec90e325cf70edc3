/*
Setting system time

Setting wall clock requires privileges (CAP_SYS_TIME on linux). Missing privilege
is expected situation, it is returned as error with readable message.
*/
package timekeeper

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClockAdjust            = errors.New("clock adjust failed")
	ErrClockAdjustUnsupported = errors.New("setting system time is not supported on this platform")
)

//ClockAdjuster sets local clock. nil error means clock was set
type ClockAdjuster interface {
	Apply(utc time.Time) error
}

type SystemClockAdjuster struct{}

func (SystemClockAdjuster) Apply(utc time.Time) error {
	if err := setSystemTime(utc.UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrClockAdjust, err)
	}
	return nil
}

//ExceedsAllowance tells is offset (seconds) outside drift allowance. Zero allowance means any non-zero drift
func ExceedsAllowance(offsetSeconds float64, allowance time.Duration) bool {
	if offsetSeconds < 0 {
		offsetSeconds = -offsetSeconds
	}
	return allowance.Seconds() < offsetSeconds
}
