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

// Package events names the lifecycle events the gateway publishes for
// observability (admin status lines, structured logging sinks), and
// provides the small pub-sub Listener those publishers and subscribers
// share. It carries no control-flow weight: stage transitions always
// happen via direct completion callbacks (pkg/pool), never by reacting
// to an event, so the pool stays in charge of ordering (§5 of the spec).
package events

import "sync"

// Constants of events used by the event listener in the gateway.
const (
	// UserCreated fires when a preuser is promoted to a user.
	UserCreated = "userCreated"
	// UserRemoved fires when a user tears down, by upstream failure or
	// by quiesce.
	UserRemoved = "userRemoved"
	// PreuserFailed fires when a preuser's keysync fails.
	PreuserFailed = "preuserFailed"
	// SessionClosed fires when a pair's anon stage ends with an error;
	// pairs closing in a later stage do not publish it.
	SessionClosed = "sessionClosed"
	// PoolQuitting fires each time Pool.Quit is called.
	PoolQuitting = "poolQuitting"
)

// Listener is a minimal, channel-based pub-sub broker: subscribers Add a
// channel under a name; publishers Emit a value to every channel
// subscribed to that name. Sends are non-blocking — a slow or absent
// subscriber never stalls the publisher, since the publisher always
// runs on the scheduler goroutine.
type Listener struct {
	mu   sync.RWMutex
	subs map[string][]chan string
}

// NewListener builds an empty Listener.
func NewListener() *Listener {
	return &Listener{subs: make(map[string][]chan string)}
}

// Add subscribes ch to receive every value Emitted under name.
func (l *Listener) Add(name string, ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[name] = append(l.subs[name], ch)
}

// Emit publishes value to every subscriber of name. Non-blocking: a
// subscriber whose channel is full misses the value rather than
// stalling the caller.
func (l *Listener) Emit(name, value string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs[name] {
		select {
		case ch <- value:
		default:
		}
	}
}
