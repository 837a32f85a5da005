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

// Package user is the authenticated stage: it owns one upstream IMAP
// client and every downstream session currently logged in as that user,
// proxying commands 1:1 with tag rewriting and applying the mail-at-rest
// crypto pass on message bodies that cross the boundary.
package user

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
	"github.com/ljanyst/citm/pkg/stage/preuser"
)

// bodyBearingFetchItems names the FETCH data items whose literal payload
// carries message content rather than metadata, the ones the crypto pass
// must decrypt before relaying downstream.
var bodyBearingFetchItems = map[string]bool{
	"BODY":          true,
	"BODY[]":        true,
	"BODY[TEXT]":    true,
	"RFC822":        true,
	"RFC822.TEXT":   true,
	"BODYSTRUCTURE": true,
}

type downstream struct {
	id       uint64
	srv      *session.Server
	mu       sync.Mutex
	inflight bool
	queue    []imapreader.Command
	closed   bool
}

type pendingCmd struct {
	dsID uint64
	tag  string
	name string
	// fetchInjectedBody marks a FETCH this stage rewrote upstream to add
	// a BODY.PEEK[] the downstream client never asked for, so it can
	// recompute BODYSTRUCTURE from the decrypted body instead of
	// relaying the envelope's own ciphertext-shaped structure; the
	// synthetic BODY[] data item is stripped back out before relaying.
	fetchInjectedBody bool
}

// User drives the post-authentication proxying for one logged-in user
// id: tag rewriting, crypto pass, and upstream-death fan-out of BYE.
type User struct {
	sch      *sched.Scheduler
	kd       keydir.Dir
	upstream *session.Client
	userID   string

	mu          sync.Mutex
	downstreams map[uint64]*downstream
	nextID      uint64
	pendingOrd  []pendingCmd // FIFO of outstanding upstream tags, oldest first
	appendBusy  bool
	appendQ     []func()

	finished int32
	onEmpty  func(error) // reports this user has no more downstreams and should leave the pool

	log *logrus.Entry
}

// New adopts a preuser.Outcome: the shared upstream client and every
// downstream server already promoted. onEmpty fires exactly once, on
// sch, when the user should be removed from the pool (upstream died,
// every downstream disconnected, the upstream answered Quit's LOGOUT, or
// Cancel ran).
func New(sch *sched.Scheduler, out preuser.Outcome, onEmpty func(error)) *User {
	u := &User{
		sch:         sch,
		kd:          out.Keydir,
		upstream:    out.Upstream,
		userID:      out.UserID,
		downstreams: make(map[uint64]*downstream),
		onEmpty:     onEmpty,
		log:         logrus.WithField("component", "stage.user").WithField("user", out.UserID),
	}
	u.upstream.SetHandlers(u.onUpstreamUntagged, u.onUpstreamErr)
	for _, srv := range out.Servers {
		u.Attach(srv)
	}
	return u
}

// Attach adopts one more already-logged-in downstream server, used both
// at construction and when the pool routes a later pair authenticating
// as the same user id while this User is already running.
func (u *User) Attach(srv *session.Server) uint64 {
	u.mu.Lock()
	u.nextID++
	id := u.nextID
	ds := &downstream{id: id, srv: srv}
	u.downstreams[id] = ds
	u.mu.Unlock()

	srv.SetHandlers(u.onDownstreamCommand(id), u.onDownstreamErr(id))
	return id
}

func (u *User) onDownstreamCommand(id uint64) imapreader.CommandFunc {
	return func(cmd imapreader.Command) error {
		u.sch.Submit(func() { u.handleDownstreamCommand(id, cmd) })
		return nil
	}
}

func (u *User) handleDownstreamCommand(id uint64, cmd imapreader.Command) {
	u.mu.Lock()
	ds := u.downstreams[id]
	u.mu.Unlock()
	if ds == nil || ds.closed {
		return
	}

	ds.mu.Lock()
	if ds.inflight {
		ds.queue = append(ds.queue, cmd)
		ds.mu.Unlock()
		return
	}
	ds.inflight = true
	ds.mu.Unlock()

	if strings.EqualFold(cmd.Name, "APPEND") {
		u.dispatchAppend(ds, cmd)
		return
	}
	if strings.EqualFold(cmd.Name, "FETCH") {
		u.dispatchFetch(ds, cmd)
		return
	}
	u.dispatchGeneric(ds, cmd)
}

// dispatchFetch is dispatchGeneric specialized for FETCH: a client that
// asks for BODYSTRUCTURE without also fetching a body-bearing item would
// otherwise only ever see the encrypted envelope's own (single-part,
// opaque) structure, since the decrypted MIME tree isn't available
// without the body. It transparently adds a BODY.PEEK[] to the upstream
// request in that case; handleUpstreamUntagged strips the synthetic item
// back out of what's relayed downstream.
func (u *User) dispatchFetch(ds *downstream, cmd imapreader.Command) {
	if len(cmd.Args) > 0 {
		if _, err := cmd.Args[0].SeqSet(); err != nil {
			_ = ds.srv.WriteTagged(cmd.Tag, "BAD", session.Atom("invalid sequence set"))
			ds.mu.Lock()
			ds.inflight = false
			ds.mu.Unlock()
			u.drainDownstream(ds)
			return
		}
	}
	args, injected := injectPeekForBodystructure(cmd.Args)
	upTag, err := u.upstream.SendTagged("FETCH", args, func(resp imapreader.Response) {
		u.sch.Submit(func() { u.handleUpstreamTagged(ds, cmd.Tag, cmd.Name, resp) })
	})
	if err != nil {
		u.failDownstream(ds, citmerr.Wrap(citmerr.ErrIO, err, "user: relay command"))
		return
	}
	u.mu.Lock()
	u.pendingOrd = append(u.pendingOrd, pendingCmd{dsID: ds.id, tag: upTag, name: "FETCH", fetchInjectedBody: injected})
	u.mu.Unlock()
}

// injectPeekForBodystructure adds a BODY.PEEK[] to a FETCH item list that
// requests BODYSTRUCTURE but no body-bearing item, reporting whether it
// did so. BODY.PEEK[] rather than BODY[] so recomputing BODYSTRUCTURE
// never has the side effect of setting \Seen on a message the client
// didn't actually ask for the body of.
func injectPeekForBodystructure(args []imapreader.Field) ([]imapreader.Field, bool) {
	if len(args) < 2 {
		return args, false
	}
	items := args[1]
	names := fetchItemNames(items)
	hasStructure, hasBody := false, false
	for _, n := range names {
		if n == "BODYSTRUCTURE" {
			hasStructure = true
		}
		if bodyBearingFetchItems[n] {
			hasBody = true
		}
	}
	if !hasStructure || hasBody {
		return args, false
	}

	peek := imapreader.Field{Kind: imapreader.FieldAtom, Atom: "BODY.PEEK[]"}
	out := make([]imapreader.Field, len(args))
	copy(out, args)
	if items.Kind == imapreader.FieldList {
		newItems := make([]imapreader.Field, len(items.List)+1)
		copy(newItems, items.List)
		newItems[len(items.List)] = peek
		out[1] = imapreader.Field{Kind: imapreader.FieldList, List: newItems}
	} else {
		out[1] = imapreader.Field{Kind: imapreader.FieldList, List: []imapreader.Field{items, peek}}
	}
	return out, true
}

func fetchItemNames(field imapreader.Field) []string {
	if field.Kind == imapreader.FieldList {
		names := make([]string, 0, len(field.List))
		for _, f := range field.List {
			if f.Kind == imapreader.FieldAtom {
				names = append(names, strings.ToUpper(f.Atom))
			}
		}
		return names
	}
	if field.Kind == imapreader.FieldAtom {
		return []string{strings.ToUpper(field.Atom)}
	}
	return nil
}

func (u *User) dispatchGeneric(ds *downstream, cmd imapreader.Command) {
	upTag, err := u.upstream.SendTagged(cmd.Name, cmd.Args, func(resp imapreader.Response) {
		u.sch.Submit(func() { u.handleUpstreamTagged(ds, cmd.Tag, cmd.Name, resp) })
	})
	if err != nil {
		u.failDownstream(ds, citmerr.Wrap(citmerr.ErrIO, err, "user: relay command"))
		return
	}
	u.mu.Lock()
	u.pendingOrd = append(u.pendingOrd, pendingCmd{dsID: ds.id, tag: upTag, name: strings.ToUpper(cmd.Name)})
	u.mu.Unlock()
}

// dispatchAppend serializes every APPEND across all downstreams (an Open
// Question resolved this way: the keydir's encrypt path and the shared
// upstream mailbox state are both simpler to reason about one at a time)
// and replaces the client's literal with its encrypted envelope before
// relaying upstream.
func (u *User) dispatchAppend(ds *downstream, cmd imapreader.Command) {
	run := func() {
		args, rerr := u.encryptAppendArgs(cmd.Args)
		if rerr != nil {
			_ = ds.srv.WriteTagged(cmd.Tag, "NO", session.Atom("could not encrypt message"))
			u.appendDone(ds)
			return
		}
		_, err := u.upstream.SendTagged("APPEND", args, func(resp imapreader.Response) {
			u.sch.Submit(func() {
				_ = ds.srv.WriteTagged(cmd.Tag, resp.Name, resp.Args...)
				u.appendDone(ds)
				u.drainDownstream(ds)
			})
		})
		if err != nil {
			_ = ds.srv.WriteTagged(cmd.Tag, "NO", session.Atom("upstream append failed"))
			u.appendDone(ds)
		}
	}

	u.mu.Lock()
	if u.appendBusy {
		u.appendQ = append(u.appendQ, run)
		u.mu.Unlock()
		return
	}
	u.appendBusy = true
	u.mu.Unlock()
	run()
}

func (u *User) appendDone(ds *downstream) {
	u.mu.Lock()
	var next func()
	if len(u.appendQ) > 0 {
		next = u.appendQ[0]
		u.appendQ = u.appendQ[1:]
	} else {
		u.appendBusy = false
	}
	u.mu.Unlock()
	ds.mu.Lock()
	ds.inflight = false
	ds.mu.Unlock()
	if next != nil {
		next()
	}
}

func (u *User) encryptAppendArgs(args []imapreader.Field) ([]imapreader.Field, error) {
	out := make([]imapreader.Field, len(args))
	copy(out, args)
	for i, a := range out {
		if a.Kind != imapreader.FieldLiteral {
			continue
		}
		enc, err := encryptEnvelope(u.kd, a.Literal)
		if err != nil {
			return nil, err
		}
		out[i] = session.Literal(enc, a.NonSync)
	}
	return out, nil
}

func (u *User) handleUpstreamTagged(ds *downstream, downstreamTag, cmdName string, resp imapreader.Response) {
	pc, _ := u.removePending(ds.id, downstreamTag)
	args := resp.Args
	if strings.EqualFold(cmdName, "FETCH") {
		args = u.decryptFetchArgs(args, pc.fetchInjectedBody)
	}
	if err := ds.srv.WriteTagged(downstreamTag, resp.Name, args...); err != nil {
		u.failDownstream(ds, citmerr.Wrap(citmerr.ErrIO, err, "user: relay response"))
		return
	}
	ds.mu.Lock()
	ds.inflight = false
	ds.mu.Unlock()
	u.drainDownstream(ds)
}

func (u *User) drainDownstream(ds *downstream) {
	ds.mu.Lock()
	if ds.inflight || len(ds.queue) == 0 || ds.closed {
		ds.mu.Unlock()
		return
	}
	next := ds.queue[0]
	ds.queue = ds.queue[1:]
	ds.mu.Unlock()

	if strings.EqualFold(next.Name, "APPEND") {
		u.dispatchAppend(ds, next)
		return
	}
	ds.mu.Lock()
	ds.inflight = true
	ds.mu.Unlock()
	if strings.EqualFold(next.Name, "FETCH") {
		u.dispatchFetch(ds, next)
		return
	}
	u.dispatchGeneric(ds, next)
}

func (u *User) removePending(dsID uint64, tag string) (pendingCmd, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, pc := range u.pendingOrd {
		if pc.dsID == dsID && pc.tag == tag {
			u.pendingOrd = append(u.pendingOrd[:i], u.pendingOrd[i+1:]...)
			return pc, true
		}
	}
	return pendingCmd{}, false
}

// onUpstreamUntagged attributes push data (EXISTS, FETCH, FLAGS, ...) to
// whichever downstream's command has been outstanding the longest — the
// upstream answers pipelined commands in order, so untagged data always
// belongs to the oldest one still unanswered.
func (u *User) onUpstreamUntagged(resp imapreader.Response) {
	u.sch.Submit(func() { u.handleUpstreamUntagged(resp) })
}

func (u *User) handleUpstreamUntagged(resp imapreader.Response) {
	u.mu.Lock()
	var front *pendingCmd
	var ds *downstream
	if len(u.pendingOrd) > 0 {
		front = &u.pendingOrd[0]
		ds = u.downstreams[front.dsID]
	}
	u.mu.Unlock()
	if ds == nil {
		return
	}

	args := resp.Args
	if front != nil && strings.EqualFold(front.name, "FETCH") {
		args = u.decryptFetchArgs(args, front.fetchInjectedBody)
	}
	_ = ds.srv.WriteUntagged(resp.Name, args...)
}

// decryptFetchArgs walks a FETCH response's data-item list — a flat
// "(NAME value NAME value ...)" list, usually itself nested one level
// under the message-number argument — decrypting any literal carried
// under a body-bearing item so the downstream client sees plaintext, and
// recomputing BODYSTRUCTURE from the decrypted body rather than relaying
// the envelope's own ciphertext shape. stripInjectedBody drops the
// BODY[] item dispatchFetch added on the client's behalf to make that
// recomputation possible.
func (u *User) decryptFetchArgs(args []imapreader.Field, stripInjectedBody bool) []imapreader.Field {
	out := make([]imapreader.Field, len(args))
	copy(out, args)
	for i := range out {
		if out[i].Kind == imapreader.FieldList {
			out[i] = imapreader.Field{Kind: imapreader.FieldList, List: u.decryptFetchItemList(out[i].List, stripInjectedBody)}
		}
	}
	return out
}

func (u *User) decryptFetchItemList(items []imapreader.Field, stripInjectedBody bool) []imapreader.Field {
	bodyPlain, haveBodyPlain := u.firstDecryptedBody(items)

	out := make([]imapreader.Field, 0, len(items))
	for i := 0; i < len(items); i++ {
		item := items[i]
		if item.Kind != imapreader.FieldAtom {
			out = append(out, item)
			continue
		}
		upper := strings.ToUpper(item.Atom)

		if upper == "BODYSTRUCTURE" {
			out = append(out, item)
			if i+1 < len(items) {
				i++
				out = append(out, u.recomputeBodyStructure(items[i], bodyPlain, haveBodyPlain))
			}
			continue
		}

		if !bodyBearingFetchItems[upper] || i+1 >= len(items) || items[i+1].Kind != imapreader.FieldLiteral {
			out = append(out, item)
			continue
		}
		i++
		lit := items[i]

		if stripInjectedBody && upper == "BODY[]" {
			continue
		}

		plain, _, err := decryptEnvelope(u.kd, lit.Literal)
		if err != nil {
			u.log.WithError(err).Warn("failed to decrypt fetched body, passing through ciphertext")
			out = append(out, item, lit)
			continue
		}
		out = append(out, item, session.Literal(plain, lit.NonSync))
	}
	return out
}

// firstDecryptedBody returns the plaintext of the first body-bearing
// literal in items, used to recompute BODYSTRUCTURE regardless of
// whether that item appears before or after BODYSTRUCTURE itself in the
// response (servers commonly emit data items in request order, so
// BODYSTRUCTURE often comes first).
func (u *User) firstDecryptedBody(items []imapreader.Field) ([]byte, bool) {
	for i := 0; i+1 < len(items); i++ {
		if items[i].Kind != imapreader.FieldAtom || !bodyBearingFetchItems[strings.ToUpper(items[i].Atom)] {
			continue
		}
		if items[i+1].Kind != imapreader.FieldLiteral {
			continue
		}
		plain, _, err := decryptEnvelope(u.kd, items[i+1].Literal)
		if err != nil {
			continue
		}
		return plain, true
	}
	return nil, false
}

func (u *User) recomputeBodyStructure(original imapreader.Field, bodyPlain []byte, haveBodyPlain bool) imapreader.Field {
	if !haveBodyPlain {
		return original
	}
	structure, err := buildBodyStructure(bodyPlain)
	if err != nil {
		u.log.WithError(err).Warn("failed to recompute BODYSTRUCTURE from decrypted body, passing through ciphertext shape")
		return original
	}
	return structure
}

func (u *User) onDownstreamErr(id uint64) func(error) {
	return func(err error) {
		u.sch.Submit(func() {
			u.mu.Lock()
			ds := u.downstreams[id]
			if ds != nil {
				delete(u.downstreams, id)
			}
			remaining := len(u.downstreams)
			u.mu.Unlock()
			if ds != nil {
				ds.mu.Lock()
				ds.closed = true
				ds.mu.Unlock()
			}
			if remaining == 0 {
				u.finish(err)
			}
		})
	}
}

func (u *User) failDownstream(ds *downstream, err error) {
	u.log.WithError(err).Warn("downstream failed, closing")
	_ = ds.srv.Close()
}

// onUpstreamErr fails every downstream with BYE and tears the user down,
// per the concurrency model's "failure of the upstream" rule.
func (u *User) onUpstreamErr(err error) {
	u.sch.Submit(func() {
		u.mu.Lock()
		all := make([]*downstream, 0, len(u.downstreams))
		for _, ds := range u.downstreams {
			all = append(all, ds)
		}
		u.downstreams = make(map[uint64]*downstream)
		u.mu.Unlock()

		for _, ds := range all {
			_ = ds.srv.WriteUntagged("BYE", session.Atom("upstream connection lost"))
			_ = ds.srv.Close()
		}
		u.finish(citmerr.Wrap(citmerr.ErrIO, err, "user: upstream"))
	})
}

func (u *User) finish(err error) {
	if !atomic.CompareAndSwapInt32(&u.finished, 0, 1) {
		return
	}
	if u.onEmpty != nil {
		u.onEmpty(err)
	}
}

// Quit implements the quiesce protocol for one user: BYE downstream,
// LOGOUT upstream, and tear down once upstream confirms. Closing N
// downstreams collects partial failures instead of stopping at the
// first one, since a stuck client shouldn't block the rest from closing
// cleanly.
func (u *User) Quit() {
	u.mu.Lock()
	all := make([]*downstream, 0, len(u.downstreams))
	for _, ds := range u.downstreams {
		all = append(all, ds)
	}
	u.mu.Unlock()

	var closeErr *multierror.Error
	for _, ds := range all {
		_ = ds.srv.WriteUntagged("BYE", session.Atom("server shutting down"))
		if err := ds.srv.Close(); err != nil {
			closeErr = multierror.Append(closeErr, err)
		}
	}
	if closeErr.ErrorOrNil() != nil {
		u.log.WithError(closeErr).Warn("errors closing downstreams during quit")
	}
	_, _ = u.upstream.SendTagged("LOGOUT", nil, func(imapreader.Response) {
		u.sch.Submit(func() {
			_ = u.upstream.Close()
			u.finish(nil)
		})
	})
}

// Cancel is the pool's narrow {cancel} trait for an already-running user:
// equivalent to an immediate, non-graceful Quit.
func (u *User) Cancel() {
	u.sch.Submit(func() {
		u.mu.Lock()
		all := make([]*downstream, 0, len(u.downstreams))
		for _, ds := range u.downstreams {
			all = append(all, ds)
		}
		u.downstreams = make(map[uint64]*downstream)
		u.mu.Unlock()

		var closeErr *multierror.Error
		for _, ds := range all {
			if err := ds.srv.Close(); err != nil {
				closeErr = multierror.Append(closeErr, err)
			}
		}
		if err := u.upstream.Close(); err != nil {
			closeErr = multierror.Append(closeErr, err)
		}
		if closeErr.ErrorOrNil() != nil {
			u.log.WithError(closeErr).Warn("errors closing sessions during cancel")
		}
		u.finish(citmerr.New(citmerr.ErrCancelled, "user: cancelled"))
	})
}
