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

// Package stub serves the minimal "not ready" greeting the gateway
// offers a pair during the window between process start and first
// successful certificate provisioning: CAPABILITY advertises STARTTLS
// only, LOGIN is refused with BAD, and anything else closes the
// connection outright since there is no certificate to upgrade to.
package stub

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
)

// maxLiteral is deliberately tiny: a stub connection never legitimately
// sends a literal, so there is nothing to size up for.
const maxLiteral = 4096

// Stub owns a single downstream pair for its entire (short) lifetime.
type Stub struct {
	srv    *session.Server
	sch    *sched.Scheduler
	onDone func(error)
	log    *logrus.Entry
}

// New wraps conn in a session.Server, sends the greeting, and begins
// serving. onDone fires exactly once, on sch, once the connection has
// been fully closed; err is nil for a client-initiated close (STARTTLS
// or any other command) and non-nil for a transport failure.
func New(conn session.Conn, sch *sched.Scheduler, onDone func(error)) *Stub {
	st := &Stub{
		sch:    sch,
		onDone: onDone,
		log:    logrus.WithField("component", "stage.stub"),
	}
	st.srv = session.NewServer(conn, imapreader.NoExtensions, maxLiteral, st.onCommand, st.onConnError)
	if err := st.srv.WriteUntagged("OK", session.Atom("citm not ready, STARTTLS required")); err != nil {
		st.finish(citmerr.Wrap(citmerr.ErrIO, err, "stub: greeting"))
	}
	return st
}

func (st *Stub) onCommand(cmd imapreader.Command) error {
	st.sch.Submit(func() { st.handle(cmd) })
	return nil
}

func (st *Stub) handle(cmd imapreader.Command) {
	switch strings.ToUpper(cmd.Name) {
	case "CAPABILITY":
		if err := st.srv.WriteUntagged("CAPABILITY", session.Atom("IMAP4rev1"), session.Atom("STARTTLS")); err != nil {
			st.finish(citmerr.Wrap(citmerr.ErrIO, err, "stub: capability"))
			return
		}
		if err := st.srv.WriteTagged(cmd.Tag, "OK", session.Atom("CAPABILITY completed")); err != nil {
			st.finish(citmerr.Wrap(citmerr.ErrIO, err, "stub: capability tagged"))
		}
	case "LOGIN":
		if err := st.srv.WriteTagged(cmd.Tag, "BAD", session.Atom("not ready, STARTTLS required")); err != nil {
			st.finish(citmerr.Wrap(citmerr.ErrIO, err, "stub: login"))
		}
	default:
		// STARTTLS included: no certificate is available yet, so the
		// only honest response is to close rather than fake an upgrade.
		st.log.WithField("command", cmd.Name).Debug("closing stub connection")
		st.finish(nil)
	}
}

func (st *Stub) onConnError(err error) {
	st.sch.Submit(func() { st.finish(err) })
}

func (st *Stub) finish(err error) {
	_ = st.srv.Close()
	if st.onDone != nil {
		st.onDone(err)
	}
}
