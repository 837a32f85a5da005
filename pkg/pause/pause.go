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

// Package pause implements the deferred-work handle described throughout
// the gateway's stages: "I want to do X, but only once Y is available."
// A Pause is consumed by exactly one of Run or Cancel; which one fires
// and when is up to the holder, not the Pause itself.
package pause

import (
	"fmt"
	"sync"
)

// Pause is a deferred unit of work gated on a readiness check.
type Pause interface {
	// Ready reports whether Run may be called now. It is side-effect
	// free and may be polled any number of times.
	Ready() bool
	// Run performs the deferred work and consumes the Pause. Calling Run
	// before Ready() returns true, or calling it (or Cancel) a second
	// time, panics: that is an Internal-class invariant violation (I4),
	// not a recoverable error.
	Run() error
	// Cancel consumes the Pause without running it, releasing whatever
	// resources run would have used. Safe to call even if Ready() is
	// false; not safe to call after Run (or a prior Cancel).
	Cancel()
}

// pause is the default Pause implementation: three closures plus a
// one-shot guard enforcing "run xor cancel, exactly once" (I4/P3).
type pause struct {
	ready func() bool
	run   func() error
	abort func()

	mu   sync.Mutex
	done bool
}

// New builds a Pause from a readiness predicate, a run action, and a
// cancel action. ready must be safe to call repeatedly and concurrently
// with nothing else touching this Pause (the owning stage is the only
// caller, per I1-style single ownership).
func New(ready func() bool, run func() error, cancel func()) Pause {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &pause{ready: ready, run: run, abort: cancel}
}

// Resolved builds a Pause that is already ready and whose Run simply
// returns a fixed error (nil for success). Useful when a stage needs to
// hand a Pause to generic code but already has its result in hand.
func Resolved(err error) Pause {
	return New(func() bool { return true }, func() error { return err }, func() {})
}

func (p *pause) Ready() bool {
	return p.ready()
}

func (p *pause) Run() error {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		panic("pause: Run called on an already-consumed Pause")
	}
	if !p.ready() {
		p.mu.Unlock()
		panic("pause: Run called before Ready() was true")
	}
	p.done = true
	p.mu.Unlock()
	return p.run()
}

func (p *pause) Cancel() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		panic("pause: Cancel called on an already-consumed Pause")
	}
	p.done = true
	p.mu.Unlock()
	if p.abort != nil {
		p.abort()
	}
}

// Group tracks a set of Pause values created together (e.g. one preuser
// fanning a single keysync outcome out to every queued pair) so that
// tests, and defensive production code, can assert every member was
// resolved exactly once before the group's owner is torn down.
type Group struct {
	mu      sync.Mutex
	members []*trackedPause
}

type trackedPause struct {
	Pause
	resolved bool
}

// Track wraps p so the Group can observe whether it was eventually
// resolved, and returns the wrapped Pause for the caller to use in place
// of p.
func (g *Group) Track(p Pause) Pause {
	g.mu.Lock()
	defer g.mu.Unlock()
	tp := &trackedPause{Pause: p}
	g.members = append(g.members, tp)
	return &groupMember{g: g, tp: tp}
}

type groupMember struct {
	g  *Group
	tp *trackedPause
}

func (m *groupMember) Ready() bool { return m.tp.Pause.Ready() }

func (m *groupMember) Run() error {
	err := m.tp.Pause.Run()
	m.g.mark(m.tp)
	return err
}

func (m *groupMember) Cancel() {
	m.tp.Pause.Cancel()
	m.g.mark(m.tp)
}

func (g *Group) mark(tp *trackedPause) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tp.resolved = true
}

// AllResolved reports whether every Pause the Group has seen has had Run
// or Cancel invoked.
func (g *Group) AllResolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if !m.resolved {
			return false
		}
	}
	return true
}

// Unresolved returns a description of members still pending, for error
// messages when a Group is torn down early.
func (g *Group) Unresolved() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.members {
		if !m.resolved {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return fmt.Errorf("pause: %d of %d group members never resolved", n, len(g.members))
}
