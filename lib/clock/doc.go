// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used throughout
// Hearth.
//
// Production code accepts a [Clock] instead of calling time.Now or
// time.After directly. [Real] provides standard-library behavior;
// [Fake] provides a clock that stands still until a test calls
// Advance, so receive timeouts and LRU ordering are exercised
// without sleeping.
//
// The interface is intentionally two methods. Hearth's only time
// operations are stamping (lump last-use, event times) and one-shot
// deadlines (mailbox RecvTimeout); tickers, Sleep, and AfterFunc
// have no call sites and therefore no place here.
//
// # Test synchronization
//
// When a goroutine arms a deadline on a FakeClock, the test must not
// Advance before the deadline is registered. WaitForDeadlines blocks
// until a given number of deadlines are armed:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	rt := runtime.New(runtime.Options{Clock: c})
//	go func() { _, err = mailbox.RecvTimeout(ctx, 3*time.Second) }()
//	c.WaitForDeadlines(1)
//	c.Advance(3 * time.Second)
package clock
