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

// Package anon holds a connected {server, client} pair pre-authentication:
// it sends its own greeting and answers CAPABILITY locally with a fixed
// list (the upstream's greeting and capabilities are not relayed, and no
// capability token is filtered), performs the STARTTLS
// upgrade downstream, forwards LOGIN upstream, and — on a successful
// LOGIN — re-queries upstream CAPABILITY (since advertised extensions
// routinely change post-authentication) before handing the pair off.
package anon

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
	"github.com/ljanyst/citm/pkg/transport"
)

const (
	maxLiteral          = 64 << 10
	tlsHandshakeTimeout = 10 * time.Second
	upstreamTagPrefix   = "c"
)

type state int32

const (
	stateAwaitCmd state = iota
	stateLogin
	stateCapture
	stateDone
)

// Result is what a completed Anon hands off to the pool: the still-open
// pair, the captured credentials, the upstream's post-login capability
// list, and the downstream tag the LOGIN command arrived under — whoever
// takes ownership next (preuser, then the pool) answers that tag once
// the user is actually ready, not anon itself.
type Result struct {
	Server *session.Server
	Client *session.Client
	User   string
	Pass   string
	Tag    string
	UpCaps []imapreader.Field
}

// Anon drives one pair through the pre-authentication state machine.
type Anon struct {
	srv *session.Server
	cli *session.Client
	sch *sched.Scheduler

	onDone func(Result, error)

	stateVal int32 // state, accessed with atomic so the STARTTLS fast path (reader goroutine) can read it
	finished int32

	loginTag     string
	pendingUser  string
	pendingPass  string
	capturedCaps []imapreader.Field

	log *logrus.Entry
}

// New wraps connDn (downstream) and connUp (upstream, already dialed by
// the caller) and begins serving. onDone fires exactly once, on sch.
func New(connDn, connUp session.Conn, exts imapreader.ExtensionSet, sch *sched.Scheduler, onDone func(Result, error)) *Anon {
	a := &Anon{
		sch:    sch,
		onDone: onDone,
		log:    logrus.WithField("component", "stage.anon"),
	}
	a.srv = session.NewServer(connDn, exts, maxLiteral, a.onCommand, a.onServerErr)
	a.cli = session.NewClient(connUp, exts, maxLiteral, upstreamTagPrefix, a.onUpstreamUntagged, a.onClientErr)

	if err := a.srv.WriteUntagged("OK", session.Atom("citm ready")); err != nil {
		a.sch.Submit(func() { a.finish(Result{}, citmerr.Wrap(citmerr.ErrIO, err, "anon: greeting")) })
	}
	return a
}

func (a *Anon) getState() state  { return state(atomic.LoadInt32(&a.stateVal)) }
func (a *Anon) setState(s state) { atomic.StoreInt32(&a.stateVal, int32(s)) }

// onCommand is invoked synchronously on the server's read goroutine.
// STARTTLS is handled right here, inline, rather than being handed to
// the scheduler: the in-place TLS upgrade must complete before the read
// loop's next Read call, or that call would read the TLS handshake as
// plaintext. Every other command is dispatched to the scheduler so stage
// logic and pool mutation happen on the one cooperative task.
func (a *Anon) onCommand(cmd imapreader.Command) error {
	if strings.ToUpper(cmd.Name) == "STARTTLS" && a.getState() == stateAwaitCmd {
		return a.handleStartTLS(cmd)
	}
	a.sch.Submit(func() { a.handleCommand(cmd) })
	return nil
}

func (a *Anon) handleStartTLS(cmd imapreader.Command) error {
	tc, ok := a.srv.Underlying().(*transport.Conn)
	if !ok || tc.TLSConf == nil {
		return a.srv.WriteTagged(cmd.Tag, "BAD", session.Atom("STARTTLS not available"))
	}
	if err := a.srv.WriteTagged(cmd.Tag, "OK", session.Atom("begin TLS negotiation now")); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), tlsHandshakeTimeout)
	defer cancel()
	if err := tc.StartTLSUpgrade(ctx); err != nil {
		return citmerr.Wrap(citmerr.ErrIO, err, "anon: starttls upgrade")
	}
	return nil
}

func (a *Anon) handleCommand(cmd imapreader.Command) {
	if a.getState() != stateAwaitCmd {
		_ = a.srv.WriteTagged(cmd.Tag, "BAD", session.Atom("login already in progress"))
		return
	}

	switch strings.ToUpper(cmd.Name) {
	case "CAPABILITY":
		a.replyCapability(cmd.Tag)
	case "LOGIN":
		a.startLogin(cmd)
	default:
		_ = a.srv.WriteTagged(cmd.Tag, "BAD", session.Atom("unknown command"))
	}
}

func (a *Anon) replyCapability(tag string) {
	caps := []imapreader.Field{session.Atom("IMAP4rev1"), session.Atom("STARTTLS"), session.Atom("LOGIN")}
	if err := a.srv.WriteUntagged("CAPABILITY", caps...); err != nil {
		a.finishFromScheduler(citmerr.Wrap(citmerr.ErrIO, err, "anon: capability"))
		return
	}
	if err := a.srv.WriteTagged(tag, "OK", session.Atom("CAPABILITY completed")); err != nil {
		a.finishFromScheduler(citmerr.Wrap(citmerr.ErrIO, err, "anon: capability tagged"))
	}
}

func (a *Anon) startLogin(cmd imapreader.Command) {
	if len(cmd.Args) != 2 || cmd.Args[0].Kind != imapreader.FieldAtom || cmd.Args[1].Kind != imapreader.FieldAtom {
		_ = a.srv.WriteTagged(cmd.Tag, "BAD", session.Atom("LOGIN requires exactly two arguments"))
		return
	}
	a.pendingUser = cmd.Args[0].Atom
	a.pendingPass = cmd.Args[1].Atom
	a.loginTag = cmd.Tag
	a.setState(stateLogin)

	_, err := a.cli.SendTagged("LOGIN", []imapreader.Field{
		session.Atom(a.pendingUser), session.Atom(a.pendingPass),
	}, a.onLoginTagged)
	if err != nil {
		a.finish(Result{}, citmerr.Wrap(citmerr.ErrIO, err, "anon: relay login"))
	}
}

// onLoginTagged is invoked on the upstream client's read goroutine.
func (a *Anon) onLoginTagged(resp imapreader.Response) {
	a.sch.Submit(func() { a.handleLoginTagged(resp) })
}

func (a *Anon) handleLoginTagged(resp imapreader.Response) {
	switch strings.ToUpper(resp.Name) {
	case "OK":
		a.setState(stateCapture)
		a.capturedCaps = nil
		if _, err := a.cli.SendTagged("CAPABILITY", nil, a.onCapabilityTagged); err != nil {
			a.finish(Result{}, citmerr.Wrap(citmerr.ErrIO, err, "anon: post-login capability"))
		}
	default:
		// NO or BAD: relay the rejection verbatim and return to AwaitCmd
		// so the client may retry LOGIN.
		if err := a.srv.WriteTagged(a.loginTag, resp.Name, resp.Args...); err != nil {
			a.finish(Result{}, citmerr.Wrap(citmerr.ErrIO, err, "anon: relay login rejection"))
			return
		}
		a.setState(stateAwaitCmd)
	}
}

// onUpstreamUntagged is invoked on the upstream client's read goroutine
// for every response not addressed to a tag anon allocated (the initial
// greeting, and the untagged CAPABILITY line that precedes its tagged
// completion).
func (a *Anon) onUpstreamUntagged(resp imapreader.Response) {
	a.sch.Submit(func() { a.handleUpstreamUntagged(resp) })
}

func (a *Anon) handleUpstreamUntagged(resp imapreader.Response) {
	if a.getState() == stateCapture && strings.EqualFold(resp.Name, "CAPABILITY") {
		a.capturedCaps = resp.Args
	}
}

// onCapabilityTagged is invoked on the upstream client's read goroutine.
func (a *Anon) onCapabilityTagged(resp imapreader.Response) {
	a.sch.Submit(func() { a.handleCapabilityTagged(resp) })
}

func (a *Anon) handleCapabilityTagged(imapreader.Response) {
	a.setState(stateDone)
	a.finish(Result{
		Server: a.srv,
		Client: a.cli,
		User:   a.pendingUser,
		Pass:   a.pendingPass,
		Tag:    a.loginTag,
		UpCaps: a.capturedCaps,
	}, nil)
}

func (a *Anon) onServerErr(err error) {
	a.sch.Submit(func() { a.finish(Result{}, citmerr.Wrap(citmerr.ErrIO, err, "anon: downstream")) })
}

func (a *Anon) onClientErr(err error) {
	a.sch.Submit(func() { a.finish(Result{}, citmerr.Wrap(citmerr.ErrIO, err, "anon: upstream")) })
}

func (a *Anon) finishFromScheduler(err error) {
	a.finish(Result{}, err)
}

// finish delivers the completion callback exactly once. Only called from
// scheduler closures, so no additional synchronization is needed beyond
// the CAS guard against a second completion racing a teardown in flight.
func (a *Anon) finish(result Result, err error) {
	if !atomic.CompareAndSwapInt32(&a.finished, 0, 1) {
		return
	}
	if err != nil {
		_ = a.srv.Close()
		_ = a.cli.Close()
	}
	if a.onDone != nil {
		a.onDone(result, err)
	}
}

// Cancel tears the pair down immediately, as the pool's narrow
// {cancel} trait requires of every stage.
func (a *Anon) Cancel() {
	a.sch.Submit(func() { a.finish(Result{}, citmerr.New(citmerr.ErrCancelled, "anon: cancelled")) })
}
