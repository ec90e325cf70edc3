//go:build linux

/*
Linux clock functions.

Kernel sync state is read with adjtimex. Initial guess is that adjtimex is
enough, other checking methods depend on installation.
*/
package timekeeper

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// https://man7.org/linux/man-pages/man2/adjtimex.2.html
const (
	TIME_OK   = iota //Clock synchronized, no leap second adjustment pending.
	TIME_INS         //Indicates that a leap second will be added at the end of the UTC day
	TIME_DEL         //Indicates that a leap second will be deleted at the end of the UTC day.
	TIME_OOP         //Insertion of a leap second is in progress.
	TIME_WAIT        // A leap-second insertion or deletion has been completed.
	TIME_ERROR       //The system clock is not synchronized to a reliable server.
)

//KernelClockSynced uses adjtimex for checking is wall clock synchronized by some daemon
func KernelClockSynced() (bool, error) {
	tx := unix.Timex{}
	state, err := unix.Adjtimex(&tx)
	if err != nil {
		return false, err
	}
	return state != TIME_ERROR, nil
}

func setSystemTime(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts)
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("insufficient privilege, CAP_SYS_TIME required (%v)", err)
	}
	return err
}
