package testutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Epoch is the time test clocks start at.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewClock returns a mock clock set to Epoch.
//
// The clock only moves when the test calls Add or Set, so timers and
// scheduled deliveries fire exactly when the test says.
func NewClock() *clock.Mock {
	return NewClockAt(Epoch)
}

// NewClockAt returns a mock clock set to at.
func NewClockAt(at time.Time) *clock.Mock {
	mock := clock.NewMock()
	mock.Set(at)
	return mock
}
