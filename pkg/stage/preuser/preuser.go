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

// Package preuser drives keysync for a freshly authenticated user id:
// it registers this device's public key and fetches the authoritative
// peer listing via http_sync, while holding any further pairs that
// authenticate as the same user before that completes. On success every
// queued pair (plus the one that created the preuser) is promoted
// together; on failure they all fail together, sharing fate.
package preuser

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/httpsync"
	"github.com/ljanyst/citm/pkg/keydir"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/pause"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
	"github.com/ljanyst/citm/pkg/stage/anon"
)

// Outcome is what a successful Preuser hands to the pool: the user id,
// its now-synced keydir, the single upstream client that will serve as
// the user's shared client.Client, and every downstream server ready to
// attach (each has already had its LOGIN tag answered OK).
type Outcome struct {
	UserID   string
	Keydir   keydir.Dir
	Upstream *session.Client
	Servers  []*session.Server
}

type queuedPair struct {
	server   *session.Server
	tag      string
	pause    pause.Pause
	resolved bool // guarded by Preuser.mu; set before the pause's Run/Cancel is invoked
}

// Preuser owns one in-progress keysync for a user id.
type Preuser struct {
	sch    *sched.Scheduler
	syncer *httpsync.Syncer
	baseURL string

	userID string
	pass   string
	kd     keydir.Dir
	upstream *session.Client

	mu       sync.Mutex
	queue    []*queuedPair
	group    pause.Group
	resolved bool
	keysyncErr error

	cancelKeysync context.CancelFunc
	onDone        func(Outcome, error)
	finished      bool

	log *logrus.Entry
}

// New creates a Preuser from the pair that produced it (anon's Result)
// and immediately starts keysync in the background. onDone fires exactly
// once, on sch.
func New(sch *sched.Scheduler, syncer *httpsync.Syncer, baseURL string, kd keydir.Dir, first anon.Result, onDone func(Outcome, error)) *Preuser {
	p := &Preuser{
		sch:      sch,
		syncer:   syncer,
		baseURL:  baseURL,
		userID:   first.User,
		pass:     first.Pass,
		kd:       kd,
		upstream: first.Client,
		onDone:   onDone,
		log:      logrus.WithField("component", "stage.preuser").WithField("user", first.User),
	}
	first.Client.SetHandlers(nil, p.onUpstreamErr)
	p.enqueue(first.Server, first.Tag)
	p.startKeysync()
	return p
}

// AddPair queues another already-authenticated pair for the same user
// id. It is the pool's job to have verified the ids match before calling
// this (I2); Preuser itself re-checks credentials (I3) since a forged or
// stale id routed here would otherwise silently join someone else's
// session set.
func (p *Preuser) AddPair(res anon.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res.User != p.userID || res.Pass != p.pass {
		return citmerr.New(citmerr.ErrAuth, "preuser: queued pair credentials do not match")
	}
	if p.finished {
		return citmerr.New(citmerr.ErrInternal, "preuser: add pair after resolution")
	}
	// This pair's own upstream connection only existed to let anon
	// validate its credentials; the user stage multiplexes everyone
	// through the one upstream client the first pair established.
	_ = res.Client.Close()
	p.enqueueLocked(res.Server, res.Tag)
	return nil
}

func (p *Preuser) enqueue(server *session.Server, tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(server, tag)
}

func (p *Preuser) enqueueLocked(server *session.Server, tag string) {
	qp := &queuedPair{server: server, tag: tag}
	qp.pause = p.group.Track(pause.New(
		func() bool { return p.resolved },
		func() error { return p.promote(qp) },
		func() { p.reject(qp) },
	))
	server.SetHandlers(p.onQueuedCommand(qp), p.onQueuedErr(qp))
	p.queue = append(p.queue, qp)
}

// onQueuedCommand rejects any further command a still-queued downstream
// sends before its LOGIN is answered: a well-behaved client waits for the
// tagged response, but nothing stops one from pipelining.
func (p *Preuser) onQueuedCommand(qp *queuedPair) imapreader.CommandFunc {
	return func(cmd imapreader.Command) error {
		return qp.server.WriteTagged(cmd.Tag, "BAD", session.Atom("login not yet complete"))
	}
}

// onQueuedErr cancels just this one queued pair (not the whole preuser)
// when its downstream connection dies while keysync is still in flight.
func (p *Preuser) onQueuedErr(qp *queuedPair) func(error) {
	return func(err error) {
		p.sch.Submit(func() {
			p.cancelQueued(qp)
		})
	}
}

// cancelQueued resolves qp via Cancel, guarding against a pair that
// onQueuedErr already resolved independently from being cancelled again
// by the whole-preuser sweep (handleKeysyncResult's failure path, or
// Cancel) — Pause panics on a second Run/Cancel.
func (p *Preuser) cancelQueued(qp *queuedPair) {
	p.mu.Lock()
	if qp.resolved {
		p.mu.Unlock()
		return
	}
	qp.resolved = true
	p.mu.Unlock()
	qp.pause.Cancel()
}

// runQueued is cancelQueued's counterpart for the success path.
func (p *Preuser) runQueued(qp *queuedPair) error {
	p.mu.Lock()
	if qp.resolved {
		p.mu.Unlock()
		return citmerr.New(citmerr.ErrCancelled, "preuser: queued pair already resolved")
	}
	qp.resolved = true
	p.mu.Unlock()
	return qp.pause.Run()
}

func (p *Preuser) onUpstreamErr(err error) {
	p.log.WithError(err).Warn("upstream connection lost during keysync")
	p.Cancel()
}

func (p *Preuser) promote(qp *queuedPair) error {
	return qp.server.WriteTagged(qp.tag, "OK", session.Atom("LOGIN completed"))
}

func (p *Preuser) reject(qp *queuedPair) {
	reason := "keysync failed"
	if p.keysyncErr != nil {
		reason = p.keysyncErr.Error()
	}
	_ = qp.server.WriteTagged(qp.tag, "NO", session.Atom(reason))
	_ = qp.server.Close()
}

func (p *Preuser) startKeysync() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelKeysync = cancel

	go func() {
		peers, err := p.runKeysync(ctx)
		p.sch.Submit(func() { p.handleKeysyncResult(peers, err) })
	}()
}

// runKeysync performs the two synchronous HTTP round trips on a worker
// goroutine, never on the scheduler.
func (p *Preuser) runKeysync(ctx context.Context) ([]peerEntry, error) {
	pub, err := p.kd.PublicKey()
	if err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "preuser: read own public key")
	}
	sig, err := p.kd.Sign([]byte(pub))
	if err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "preuser: sign own public key")
	}
	body, err := encodeRegister(p.userID, pub, sig)
	if err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "preuser: encode register request")
	}

	regRes, err := p.syncer.Do(ctx, httpsync.Request{
		Method:  httpsync.Post,
		URL:     fmt.Sprintf("%s/key/register", p.baseURL),
		Headers: map[string]string{"Content-Type": "application/msgpack"},
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if regRes.Status >= 300 && !httpsync.AlreadyRegistered(regRes) {
		return nil, citmerr.New(citmerr.ErrKeysync, fmt.Sprintf("key registration failed: %d %s", regRes.Status, regRes.Reason))
	}

	peersRes, err := p.syncer.Do(ctx, httpsync.Request{
		Method: httpsync.Get,
		URL:    fmt.Sprintf("%s/key/peers", p.baseURL),
		Params: map[string]string{"user": p.userID},
	})
	if err != nil {
		return nil, err
	}
	if peersRes.Status >= 300 {
		return nil, citmerr.New(citmerr.ErrKeysync, fmt.Sprintf("peer listing failed: %d %s", peersRes.Status, peersRes.Reason))
	}

	peers, err := decodePeers(peersRes.Body)
	if err != nil {
		return nil, citmerr.Wrap(citmerr.ErrKeysync, err, "preuser: decode peer listing")
	}
	return peers, nil
}

// handleKeysyncResult runs on the scheduler.
func (p *Preuser) handleKeysyncResult(peers []peerEntry, err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.keysyncErr = err
	p.resolved = err == nil
	queue := append([]*queuedPair(nil), p.queue...)
	p.mu.Unlock()

	if err != nil {
		p.log.WithError(err).Warn("keysync failed, rejecting all queued pairs")
		for _, qp := range queue {
			p.cancelQueued(qp)
		}
		p.finish(Outcome{}, err)
		return
	}

	for _, peer := range peers {
		p.acceptPeer(peer)
	}

	servers := make([]*session.Server, 0, len(queue))
	for _, qp := range queue {
		if runErr := p.runQueued(qp); runErr != nil {
			p.log.WithError(runErr).Warn("failed to answer a promoted pair, closing it")
			_ = qp.server.Close()
			continue
		}
		servers = append(servers, qp.server)
	}

	p.finish(Outcome{
		UserID:   p.userID,
		Keydir:   p.kd,
		Upstream: p.upstream,
		Servers:  servers,
	}, nil)
}

// acceptPeer completes the mutual-trust check for one peer entry: the key
// is staged via AddPeer, then its self-attestation is checked with Verify
// before it is relied on for anything. A peer that never held the private
// key for what it's claiming fails Verify and is discarded immediately, so
// a keysync directory that is lying about a peer's key can't smuggle in an
// untrusted recipient for Dir.Encrypt.
func (p *Preuser) acceptPeer(peer peerEntry) {
	if addErr := p.kd.AddPeer(peer.Addr, peer.PublicKey); addErr != nil {
		p.log.WithError(addErr).WithField("peer", peer.Addr).Warn("rejecting malformed peer entry")
		return
	}
	if verErr := p.kd.Verify(peer.Addr, []byte(peer.PublicKey), peer.Signature); verErr != nil {
		p.log.WithError(verErr).WithField("peer", peer.Addr).Warn("peer failed self-attestation, discarding")
		if rmErr := p.kd.RemovePeer(peer.Addr); rmErr != nil {
			p.log.WithError(rmErr).WithField("peer", peer.Addr).Error("failed to discard untrusted peer key")
		}
	}
}

func (p *Preuser) finish(out Outcome, err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()

	if unresolved := p.group.Unresolved(); unresolved != nil {
		p.log.WithError(unresolved).Error("preuser finished with unresolved queued pairs")
	}
	if p.onDone != nil {
		p.onDone(out, err)
	}
}

// Cancel tears the preuser down, cancelling the in-flight keysync
// request and rejecting every queued pair with ErrCancelled.
func (p *Preuser) Cancel() {
	p.mu.Lock()
	if p.cancelKeysync != nil {
		p.cancelKeysync()
	}
	queue := append([]*queuedPair(nil), p.queue...)
	p.mu.Unlock()

	p.sch.Submit(func() {
		p.keysyncErr = citmerr.New(citmerr.ErrCancelled, "preuser: cancelled")
		for _, qp := range queue {
			p.cancelQueued(qp)
		}
		p.finish(Outcome{}, p.keysyncErr)
	})
}
