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

// Package citm wires the collaborators (transport, scheduler, pool) into
// one running gateway: it accepts downstream connections, dials the
// configured upstream for each, and hands the pair to the pool.
package citm

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/config"
	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/httpsync"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/pool"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/stage/stub"
	"github.com/ljanyst/citm/pkg/transport"
)

const dialTimeout = 30 * time.Second

// Options bundles everything Gateway needs beyond the resolved Settings:
// the listen specs ParseFlags collected (repeatable, so they can't live
// as a single setting key) and an optional TLS config for both sides.
type Options struct {
	Listen         []transport.ListenSpec
	ListenImplicit []transport.ListenSpec
	Remote         transport.RemoteSpec
	ServerTLS      *tls.Config // downstream listeners; nil disables STARTTLS and implicit TLS alike
	UpstreamTLS    *tls.Config
	// TLSPending marks a deployment that intends to serve TLS but whose
	// certificate has not yet been provisioned (e.g. an ACME-style issuer
	// still running, or a cert file that does not exist yet). While true,
	// every accepted pair gets the stub stage's not-ready greeting instead
	// of being dialed upstream; SetServerTLS flips it once a certificate
	// becomes available. A deployment that never intends to serve TLS at
	// all leaves this false with ServerTLS nil, so plaintext-only setups
	// are unaffected.
	TLSPending bool
}

// Gateway owns every listener and the single pool/scheduler pair that
// backs them.
type Gateway struct {
	sch  *sched.Scheduler
	pool *pool.Pool
	opts Options

	mu        sync.Mutex
	listeners []*transport.Listener
	wg        sync.WaitGroup

	certsReady   int32 // atomic; 0 while TLSPending, set once SetServerTLS fires
	tlsReadyCh   chan struct{}
	tlsReadyOnce sync.Once

	events *events.Listener
	log    *logrus.Entry
}

// New builds a Gateway from resolved settings and CLI-only options. It
// does not start listening — call Serve for that.
func New(settings *config.Settings, opts Options) *Gateway {
	sch := sched.New()
	syncer := httpsync.New(opts.UpstreamTLS, settings.GetInt(config.HTTPWorkers))
	evs := events.NewListener()
	p := pool.New(sch, pool.Config{
		Syncer:     syncer,
		KeysyncURL: settings.Get(config.KeysyncURL),
		KeydirRoot: settings.Get(config.MaildirRoot),
		Events:     evs,
	})
	g := &Gateway{
		sch:        sch,
		pool:       p,
		opts:       opts,
		tlsReadyCh: make(chan struct{}),
		events:     evs,
		log:        logrus.WithField("component", "citm"),
	}
	if !opts.TLSPending {
		g.certsReady = 1
		close(g.tlsReadyCh)
	}
	return g
}

// SetServerTLS supplies a certificate once it becomes available for a
// Gateway constructed with Options.TLSPending, ending the stub window:
// every pair accepted afterward is dialed upstream and handed to anon as
// normal, and any implicit-TLS listeners held back at Serve time are
// opened. Safe to call from any goroutine. Only the first call ends the
// stub window; a later call replaces the config used by listeners opened
// after it.
func (g *Gateway) SetServerTLS(cfg *tls.Config) {
	g.mu.Lock()
	g.opts.ServerTLS = cfg
	g.mu.Unlock()
	atomic.StoreInt32(&g.certsReady, 1)
	g.tlsReadyOnce.Do(func() { close(g.tlsReadyCh) })
}

func (g *Gateway) certsAreReady() bool {
	return atomic.LoadInt32(&g.certsReady) != 0
}

// Events exposes the gateway's lifecycle event bus so an operator
// harness (a status line, a structured logging sink) can subscribe
// without reaching into the pool directly.
func (g *Gateway) Events() *events.Listener { return g.events }

// Serve opens every configured listener and accepts connections until
// ctx is cancelled or Quit is called. It blocks until all listeners have
// stopped.
func (g *Gateway) Serve(ctx context.Context) error {
	for _, spec := range g.opts.Listen {
		if err := g.serveOne(spec); err != nil {
			return err
		}
	}

	if g.certsAreReady() {
		for _, spec := range g.opts.ListenImplicit {
			spec.Implicit = true
			if err := g.serveOne(spec); err != nil {
				return err
			}
		}
	} else if len(g.opts.ListenImplicit) > 0 {
		// An implicit-TLS socket only ever receives a TLS ClientHello, so
		// it cannot be opened until a certificate exists to terminate it;
		// the stub greeting is reachable on the plain listeners above in
		// the meantime.
		g.wg.Add(1)
		go g.serveImplicitOnceReady(ctx)
	}

	go func() {
		<-ctx.Done()
		g.closeListeners()
	}()

	g.wg.Wait()
	return nil
}

// serveImplicitOnceReady opens the implicit-TLS listeners held back by
// Serve once SetServerTLS delivers a certificate, or gives up if ctx is
// cancelled first.
func (g *Gateway) serveImplicitOnceReady(ctx context.Context) {
	defer g.wg.Done()
	select {
	case <-g.tlsReadyCh:
	case <-ctx.Done():
		return
	}
	for _, spec := range g.opts.ListenImplicit {
		spec.Implicit = true
		if err := g.serveOne(spec); err != nil {
			g.log.WithError(err).Error("failed to open implicit-TLS listener once a certificate became available")
		}
	}
}

func (g *Gateway) serveOne(spec transport.ListenSpec) error {
	ln, err := transport.Listen(spec, g.opts.ServerTLS)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.listeners = append(g.listeners, ln)
	g.mu.Unlock()

	g.wg.Add(1)
	go g.acceptLoop(ln)
	return nil
}

func (g *Gateway) acceptLoop(ln *transport.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			g.log.WithError(err).Debug("listener stopped")
			return
		}
		go g.handleAccepted(conn)
	}
}

// handleAccepted dials upstream for one freshly accepted downstream
// connection and, on success, hands the pair to the pool. Both dial and
// accept happen off the scheduler; only pool.NewPair touches it. Every
// pair gets its own trace id so its accept/dial/route log lines can be
// correlated without a monotonic counter shared across goroutines.
func (g *Gateway) handleAccepted(connDn *transport.Conn) {
	traceID := uuid.New().String()
	log := g.log.WithField("conn", traceID)

	if !g.certsAreReady() {
		log.Debug("certificate not yet provisioned, serving stub greeting")
		stub.New(connDn, g.sch, func(err error) {
			if err != nil {
				log.WithError(err).Debug("stub connection closed")
			}
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	connUp, err := transport.Dial(ctx, g.opts.Remote, g.opts.UpstreamTLS)
	if err != nil {
		log.WithError(err).Warn("failed to dial upstream for accepted connection")
		_ = connDn.Close()
		return
	}

	if err := g.pool.NewPair(connDn, connUp, imapreader.AllExtensions); err != nil {
		log.WithError(err).Warn("pool refused new pair")
		_ = connDn.Close()
		_ = connUp.Close()
	}
}

func (g *Gateway) closeListeners() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ln := range g.listeners {
		_ = ln.Close()
	}
}

// Quit runs the quiesce protocol (§5) and blocks until every stage the
// pool owns has torn down.
func (g *Gateway) Quit() {
	g.closeListeners()
	done := make(chan struct{})
	g.sch.Submit(func() {
		g.pool.Quit(func() { close(done) })
	})
	<-done
	g.sch.Stop()
}

// Stats exposes the pool's admin surface for the periodic status line.
func (g *Gateway) Stats() pool.Stats { return g.pool.Stats() }
