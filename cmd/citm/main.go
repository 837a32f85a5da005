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

// Command citm is the gateway harness: it parses the CLI surface,
// resolves settings, opens the configured listeners, and runs until a
// signal or a fatal error triggers the quiesce protocol.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citm"
	"github.com/ljanyst/citm/pkg/config"
	"github.com/ljanyst/citm/pkg/transport"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Plain text on an interactive terminal, structured fields otherwise
	// (systemd journal, redirected-to-file, pipe to a log shipper).
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	log := logrus.WithField("component", "main")

	fs := flag.NewFlagSet("citm", flag.ContinueOnError)
	flags, err := config.ParseFlags(fs, os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	settings := config.Load(flags.ConfigFile)
	flags.Resolve(settings)

	if flags.Remote == "" && settings.Get(config.RemoteAddr) == "" {
		fmt.Fprintln(os.Stderr, "citm: -remote is required")
		return 2
	}
	if len(flags.Listen) == 0 && len(flags.ListenImplicit) == 0 {
		fmt.Fprintln(os.Stderr, "citm: at least one -listen or -listen-tls is required")
		return 2
	}

	var serverTLS *tls.Config
	certFile := settings.Get(config.CertFile)
	keyFile := settings.Get(config.KeyFile)
	tlsPending := false
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			log.WithError(err).Warn("certificate not yet available, serving stub greeting until provisioned")
			tlsPending = true
		} else {
			serverTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	} else if len(flags.ListenImplicit) > 0 {
		fmt.Fprintln(os.Stderr, "citm: -listen-tls requires both -cert and -key")
		return 2
	}

	opts := citm.Options{
		Listen:         flags.Listen,
		ListenImplicit: flags.ListenImplicit,
		Remote:         transport.RemoteSpec{Addr: settings.Get(config.RemoteAddr), Implicit: flags.RemoteImplicit},
		ServerTLS:      serverTLS,
		UpstreamTLS:    upstreamTLSConfig(flags.RemoteImplicit),
		TLSPending:     tlsPending,
	}

	gw := citm.New(settings, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if tlsPending {
		go waitForCert(ctx, gw, certFile, keyFile, log)
	}

	go logStats(ctx, gw, settings.GetInt(config.StatsInterval), log)

	if flags.IndicateReady {
		indicateReady(flags.ReadyFD, log)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- gw.Serve(ctx) }()

	<-ctx.Done()
	log.Info("signal received, quiescing")
	gw.Quit()

	if err := <-serveErr; err != nil {
		log.WithError(err).Error("gateway failed")
		return 1
	}
	return 0
}

// waitForCert retries loading the configured certificate/key pair until
// it succeeds or ctx is done. It is the background half of the stub
// stage's window: an external issuer (an ACME client, a sidecar writing
// the files in place) is expected to provision them while the gateway is
// already up and serving the not-ready greeting.
func waitForCert(ctx context.Context, gw *citm.Gateway, certFile, keyFile string, log *logrus.Entry) {
	const retryInterval = 5 * time.Second
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				continue
			}
			gw.SetServerTLS(&tls.Config{Certificates: []tls.Certificate{cert}})
			log.Info("certificate provisioned, leaving stub mode")
			return
		}
	}
}

// logStats periodically logs the pool's admin/status counts until ctx is
// done, the operator-facing rendering of pool.Stats the gateway exposes
// rather than a separate metrics transport (see DESIGN.md).
func logStats(ctx context.Context, gw *citm.Gateway, intervalSeconds int, log *logrus.Entry) {
	if intervalSeconds <= 0 {
		return
	}
	t := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := gw.Stats()
			log.WithFields(logrus.Fields{
				"unowned":  s.Unowned,
				"preusers": s.Preusers,
				"users":    s.Users,
			}).Info("pool status")
		}
	}
}

// upstreamTLSConfig returns a minimal client-side TLS config when the
// upstream is reached over implicit TLS; a nil config leaves the
// connection plain until an explicit STARTTLS upstream.
func upstreamTLSConfig(implicit bool) *tls.Config {
	if !implicit {
		return nil
	}
	return &tls.Config{}
}

// indicateReady writes a single newline to fd once listeners are up, the
// convention service supervisors (e.g. s6, runit) use for a readiness
// pipe passed down via file descriptor inheritance.
func indicateReady(fd int, log *logrus.Entry) {
	if fd < 0 {
		log.Warn("-indicate-ready set without a usable -ready-fd, skipping")
		return
	}
	f := os.NewFile(uintptr(fd), "ready-fd")
	if f == nil {
		log.Warn("-ready-fd does not name an open file descriptor, skipping")
		return
	}
	defer f.Close()
	if _, err := f.WriteString("\n"); err != nil {
		log.WithError(err).Warn("failed to signal readiness")
	}
}
