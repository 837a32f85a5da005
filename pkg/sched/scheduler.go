// Copyright (c) 2026 citm contributors
//
// This file is part of citm.
//
// citm is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// citm is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with citm.  If not, see <https://www.gnu.org/licenses/>.

// Package sched is the Go rendering of the single-threaded cooperative
// scheduler the core specification assumes: one goroutine drains a
// channel of closures, so every pool mutation, stage-transition
// callback, and parser invocation runs-to-completion without
// preemption, exactly like the original's single-libuv-loop model,
// without requiring a literal reactor implementation.
package sched

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "sched")

// Scheduler runs submitted work on one dedicated goroutine.
type Scheduler struct {
	work   chan func()
	done   chan struct{}
	cancel context.CancelFunc
}

// New starts a Scheduler's goroutine immediately. Call Stop to drain and
// terminate it.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		work:   make(chan func(), 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.loop(ctx)
	return s
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case fn := <-s.work:
			fn()
		case <-ctx.Done():
			// Drain whatever is already queued so in-flight completion
			// callbacks still fire; nothing new can be submitted past
			// this point (Submit on a stopped scheduler is a no-op).
			for {
				select {
				case fn := <-s.work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn to run on the scheduler goroutine. Submit never
// blocks the caller on fn's execution; it only blocks if the internal
// queue is full, which is intentional backpressure matching "no stage
// blocks the scheduler" (fn itself must not block, the submission can).
func (s *Scheduler) Submit(fn func()) {
	select {
	case s.work <- fn:
	case <-s.done:
		log.Warn("dropped work submitted after scheduler stop")
	}
}

// Wake schedules fn to run after d, as the scheduler's rendering of
// "submit callback-on-wake; virtual time for timeouts" from the
// collaborator contract. It returns a cancel function; calling it before
// the timer fires prevents fn from running.
func (s *Scheduler) Wake(d time.Duration, fn func()) (cancelTimer func()) {
	timer := time.AfterFunc(d, func() { s.Submit(fn) })
	return func() { timer.Stop() }
}

// Stop signals the scheduler goroutine to drain its queue and exit, then
// blocks until it has. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
}
