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

// Package pool is the user-pool: the single hashmap, keyed by user id,
// that enforces "at most one of {preuser, user} per id" (I2) and drives
// the three stage transitions (anon -> preuser -> user) plus the quiesce
// protocol on shutdown. Every operation here runs on the scheduler task.
package pool

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/httpsync"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
	"github.com/ljanyst/citm/pkg/stage/anon"
	"github.com/ljanyst/citm/pkg/stage/preuser"
	"github.com/ljanyst/citm/pkg/stage/user"
)

// cancellable is the narrow trait every stage the pool owns exposes, per
// the concurrency model's "every stage exposes cancel(handle)" rule.
type cancellable interface {
	Cancel()
}

// Config bundles what the pool needs to start a preuser's keysync and
// open a user's key directory; citm's top-level wiring builds this once
// from the resolved settings.
type Config struct {
	Syncer     *httpsync.Syncer
	KeysyncURL string
	KeydirRoot string
	// Events receives lifecycle notifications (UserCreated, UserRemoved,
	// PreuserFailed, PoolQuitting) for an operator status line or
	// structured logging sink. Nil disables publishing.
	Events *events.Listener
}

// Pool owns every pair from the moment it is accepted until it leaves
// under some user (or is rejected, or the gateway quits).
type Pool struct {
	sch *sched.Scheduler
	cfg Config

	mu       sync.Mutex
	unowned  map[uint64]cancellable
	preusers map[string]*preuser.Preuser
	users    map[string]*user.User
	nextID   uint64
	quitting bool

	wg       sync.WaitGroup
	quitDone func()

	log *logrus.Entry
}

// New builds an empty pool bound to sch. All public methods must be
// called from sch's own goroutine (by convention: from within an
// onCmd/onDone callback or another Submit closure) except NewPair, which
// may be called from any goroutine: it only takes the pool's lock and
// starts the anon stage, whose callbacks run on sch.
func New(sch *sched.Scheduler, cfg Config) *Pool {
	return &Pool{
		sch:      sch,
		cfg:      cfg,
		unowned:  make(map[uint64]cancellable),
		preusers: make(map[string]*preuser.Preuser),
		users:    make(map[string]*user.User),
		log:      logrus.WithField("component", "pool"),
	}
}

// NewPair is the stage entry point: it parks a freshly accepted
// downstream/upstream pair in "unowned" and starts an anon instance on
// it. Refused once the pool is quitting.
func (p *Pool) NewPair(connDn, connUp session.Conn, exts imapreader.ExtensionSet) error {
	p.mu.Lock()
	if p.quitting {
		p.mu.Unlock()
		return citmerr.New(citmerr.ErrInternal, "pool: refusing new pair, quitting")
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	p.wg.Add(1)
	a := anon.New(connDn, connUp, exts, p.sch, func(res anon.Result, err error) {
		p.onAnonDone(id, res, err)
	})
	p.mu.Lock()
	p.unowned[id] = a
	p.mu.Unlock()
	return nil
}

func (p *Pool) onAnonDone(id uint64, res anon.Result, err error) {
	p.mu.Lock()
	delete(p.unowned, id)
	p.mu.Unlock()
	p.wg.Done()

	if err != nil {
		p.emit(events.SessionClosed, "anon")
		p.checkQuitDone()
		return
	}
	p.route(res)
	p.checkQuitDone()
}

// route implements on_anon_done's I2 dispatch: join an existing user,
// queue onto an in-flight preuser, or start a new one.
func (p *Pool) route(res anon.Result) {
	p.mu.Lock()
	if u, ok := p.users[res.User]; ok {
		p.mu.Unlock()
		u.Attach(res.Server)
		_ = res.Client.Close()
		_ = res.Server.WriteTagged(res.Tag, "OK", session.Atom("LOGIN completed"))
		return
	}
	if pu, ok := p.preusers[res.User]; ok {
		p.mu.Unlock()
		if addErr := pu.AddPair(res); addErr != nil {
			_ = res.Server.WriteTagged(res.Tag, "NO", session.Atom("login rejected"))
			_ = res.Server.Close()
			_ = res.Client.Close()
		}
		return
	}
	p.mu.Unlock()

	p.wg.Add(1)
	pu := preuser.New(p.sch, p.cfg.Syncer, p.cfg.KeysyncURL, p.openKeydir(res.User), res, func(out preuser.Outcome, perr error) {
		p.onPreuserDone(res.User, out, perr)
	})
	p.mu.Lock()
	p.preusers[res.User] = pu
	quitting := p.quitting
	p.mu.Unlock()
	if quitting {
		pu.Cancel()
	}
}

func (p *Pool) openKeydir(userID string) keydir.Dir {
	kd, err := keydir.Open(p.cfg.KeydirRoot, userID)
	if err != nil {
		// Surfaced through the preuser's own keysync failure path: a Dir
		// that errors on first use fails the pending pairs the same way
		// a keysync HTTP error would.
		p.log.WithError(err).WithField("user", userID).Error("failed to open key directory")
		return failingKeydir{err: err}
	}
	return kd
}

func (p *Pool) onPreuserDone(userID string, out preuser.Outcome, err error) {
	p.mu.Lock()
	delete(p.preusers, userID)
	p.mu.Unlock()
	p.wg.Done()

	if err != nil {
		p.emit(events.PreuserFailed, userID)
		p.checkQuitDone()
		return
	}

	p.wg.Add(1)
	u := user.New(p.sch, out, func(uerr error) { p.onUserEmpty(userID) })
	p.mu.Lock()
	p.users[userID] = u
	quitting := p.quitting
	p.mu.Unlock()
	p.emit(events.UserCreated, userID)
	if quitting {
		u.Quit()
	}
}

func (p *Pool) onUserEmpty(userID string) {
	p.mu.Lock()
	delete(p.users, userID)
	p.mu.Unlock()
	p.wg.Done()
	p.emit(events.UserRemoved, userID)
	p.checkQuitDone()
}

// emit is a nil-safe publish: most callers run with Config.Events unset
// in tests, so the pool never requires a listener to function.
func (p *Pool) emit(name, value string) {
	if p.cfg.Events != nil {
		p.cfg.Events.Emit(name, value)
	}
}

// checkQuitDone fires quitDone once the pool is quitting and every
// in-flight unowned/preuser/user entry has torn down. It is called after
// every completion path that can leave those three maps empty —
// onAnonDone (after route), the failure branch of onPreuserDone, and
// onUserEmpty; the success branch of onPreuserDone replaces the preuser
// with a user, whose teardown later reaches onUserEmpty. Any of them can
// observe the last entry leaving while Quit is in progress
// (§5/P6): a client mid-LOGIN or mid-keysync when the process receives
// its shutdown signal still has to unblock Gateway.Quit's wait.
func (p *Pool) checkQuitDone() {
	p.mu.Lock()
	quitting := p.quitting
	remaining := p.quitRemainingLocked()
	p.mu.Unlock()
	if quitting && remaining == 0 {
		p.maybeFinishQuit()
	}
}

func (p *Pool) quitRemainingLocked() int {
	return len(p.unowned) + len(p.preusers) + len(p.users)
}

// Quit stops admission and propagates quit to every registered stage.
// quitDone fires once every stage has finished tearing down (refcount
// reaches zero).
func (p *Pool) Quit(quitDone func()) {
	p.emit(events.PoolQuitting, "")
	p.mu.Lock()
	p.quitting = true
	p.quitDone = quitDone
	unowned := make([]cancellable, 0, len(p.unowned))
	for _, a := range p.unowned {
		unowned = append(unowned, a)
	}
	preusers := make([]*preuser.Preuser, 0, len(p.preusers))
	for _, pu := range p.preusers {
		preusers = append(preusers, pu)
	}
	users := make([]*user.User, 0, len(p.users))
	for _, u := range p.users {
		users = append(users, u)
	}
	p.mu.Unlock()

	for _, a := range unowned {
		a.Cancel()
	}
	for _, pu := range preusers {
		pu.Cancel()
	}
	for _, u := range users {
		u.Quit()
	}
	if len(unowned)+len(preusers)+len(users) == 0 {
		p.maybeFinishQuit()
	}
}

func (p *Pool) maybeFinishQuit() {
	p.mu.Lock()
	done := p.quitDone
	p.quitDone = nil
	p.mu.Unlock()
	if done != nil {
		done()
	}
}

// Stats is the admin/status surface: counts of live stage objects in
// each bucket, logged periodically by the top-level gateway.
type Stats struct {
	Unowned  int
	Preusers int
	Users    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Unowned: len(p.unowned), Preusers: len(p.preusers), Users: len(p.users)}
}

// failingKeydir stands in for a key directory that failed to open: every
// call returns the original open error, so a bad maildir root fails a
// user's keysync instead of panicking deep in preuser.
type failingKeydir struct{ err error }

func (f failingKeydir) Sign([]byte) (string, error)                  { return "", f.err }
func (f failingKeydir) Verify(string, []byte, string) error          { return f.err }
func (f failingKeydir) Peers() ([]string, error)                     { return nil, f.err }
func (f failingKeydir) AddPeer(string, string) error                 { return f.err }
func (f failingKeydir) RemovePeer(string) error                      { return f.err }
func (f failingKeydir) Rotate() (string, error)                      { return "", f.err }
func (f failingKeydir) PublicKey() (string, error)                   { return "", f.err }
func (f failingKeydir) Encrypt([]byte) (string, error)               { return "", f.err }
func (f failingKeydir) Decrypt(string) ([]byte, error)               { return nil, f.err }
func (f failingKeydir) Close() error                                 { return nil }
