package realtime

import "time"

// Timer is a cancellable one-shot callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual implementation.
type AfterFunc func(d time.Duration, f func()) Timer

func systemAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
