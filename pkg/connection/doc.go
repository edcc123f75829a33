// Package connection schedules connection attempts for associations.
//
// A Scheduler owns one retry task per key (an association name). Each task
// runs its attempt function immediately, and on failure waits a fixed
// connect delay before trying again. Retries are unbounded: a task ends only
// when an attempt succeeds or the key is cancelled.
//
// # Timing
//
// All waiting goes through a clock.Clock so tests can drive retries with a
// mock clock:
//
//	mock := clock.NewMock()
//	s := connection.NewScheduler(mock)
//	s.Schedule("a1", 5*time.Second, dial)
//	mock.Add(5 * time.Second) // second attempt
//
// # Cancellation
//
// Cancel and Close are idempotent. Once Cancel returns, no new attempt for
// that key starts; an attempt already in progress sees its context
// cancelled.
package connection
