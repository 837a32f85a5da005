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

// Package transport is the "io" collaborator from the specification: a
// thin net/crypto-tls wrapper providing Listen and Dial, plus in-place
// STARTTLS upgrade. It is intentionally narrow — citm's core packages
// depend on the Conn/Listener types here, not on net directly, so
// tests can substitute in-memory pipes.
package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// Security is the negotiated transport security mode of a Conn.
type Security int

const (
	// Plain is an unencrypted connection, eligible for STARTTLS.
	Plain Security = iota
	// StartTLS is a connection that began plain and was upgraded.
	StartTLS
	// TLS is a connection that was encrypted from the first byte
	// (implicit TLS, e.g. port 993).
	TLS
)

// Conn is a single accepted or dialed connection, carrying its security
// mode alongside the raw net.Conn so stages can decide whether STARTTLS
// is legal without re-deriving it from the concrete type.
type Conn struct {
	net.Conn
	Security Security
	TLSConf  *tls.Config // non-nil when StartTLS upgrade is permitted
}

// StartTLSUpgrade performs an in-place TLS handshake over c, used by the
// anon stage after a client issues STARTTLS. It replaces the
// underlying net.Conn with the TLS-wrapped one and updates Security.
func (c *Conn) StartTLSUpgrade(ctx context.Context) error {
	if c.TLSConf == nil {
		return errNoTLSConfig
	}
	tc := tls.Server(c.Conn, c.TLSConf)
	if err := tc.HandshakeContext(ctx); err != nil {
		return err
	}
	c.Conn = tc
	c.Security = StartTLS
	return nil
}

var errNoTLSConfig = &tlsConfigError{}

type tlsConfigError struct{}

func (*tlsConfigError) Error() string { return "transport: no TLS configuration available for STARTTLS" }

// ListenSpec names one downstream listening address plus whether it
// should terminate TLS immediately (implicit TLS) or start plain and
// allow STARTTLS.
type ListenSpec struct {
	Addr     string
	Implicit bool // true: TLS from the first byte; false: plaintext + STARTTLS
}

// RemoteSpec names the upstream IMAP server citm relays to.
type RemoteSpec struct {
	Addr     string
	Implicit bool
}

// Listener accepts downstream connections on one ListenSpec.
type Listener struct {
	ln       net.Listener
	spec     ListenSpec
	tlsConf  *tls.Config
}

// Listen opens spec's address. If spec.Implicit is true and tlsConf is
// non-nil, every accepted Conn already has Security == TLS; otherwise
// connections start Plain and carry tlsConf for a later STARTTLS.
func Listen(spec ListenSpec, tlsConf *tls.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", spec.Addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, spec: spec, tlsConf: tlsConf}, nil
}

// Accept blocks for the next downstream connection.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if l.spec.Implicit && l.tlsConf != nil {
		tc := tls.Server(raw, l.tlsConf)
		return &Conn{Conn: tc, Security: TLS}, nil
	}
	return &Conn{Conn: raw, Security: Plain, TLSConf: l.tlsConf}, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the bound listen address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial connects to spec, upstream. A non-nil tlsConf combined with
// spec.Implicit dials straight into TLS; otherwise the Conn starts Plain
// and stays Plain: no stage issues STARTTLS upstream.
func Dial(ctx context.Context, spec RemoteSpec, tlsConf *tls.Config) (*Conn, error) {
	var d net.Dialer
	if spec.Implicit && tlsConf != nil {
		raw, err := d.DialContext(ctx, "tcp", spec.Addr)
		if err != nil {
			return nil, err
		}
		tc := tls.Client(raw, tlsConf)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, err
		}
		return &Conn{Conn: tc, Security: TLS}, nil
	}
	raw, err := d.DialContext(ctx, "tcp", spec.Addr)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: raw, Security: Plain, TLSConf: tlsConf}, nil
}
