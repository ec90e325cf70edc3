//go:build !linux

package timekeeper

import "time"

func KernelClockSynced() (bool, error) {
	return false, ErrClockAdjustUnsupported
}

func setSystemTime(t time.Time) error {
	return ErrClockAdjustUnsupported
}
