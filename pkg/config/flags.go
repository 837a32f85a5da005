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

package config

import (
	"flag"
	"fmt"

	"github.com/ljanyst/citm/pkg/transport"
)

// listenFlag collects repeated -listen or -listen-tls flags into
// transport.ListenSpecs. The value is taken as the address as given;
// whether a listener uses implicit TLS depends on which of the two flags
// collected it, not on the value.
type listenFlag struct {
	specs *[]transport.ListenSpec
}

func (f listenFlag) String() string {
	if f.specs == nil {
		return ""
	}
	return fmt.Sprintf("%v", *f.specs)
}

func (f listenFlag) Set(value string) error {
	*f.specs = append(*f.specs, transport.ListenSpec{Addr: value})
	return nil
}

// Flags is the CLI surface parsed by cmd/citm: no third-party CLI
// framework shows up anywhere in the retrieved corpus, so the standard
// library's flag package plus the YAML settings overlay (kvs.go) is the
// idiomatic fit here.
type Flags struct {
	Listen         []transport.ListenSpec
	ListenImplicit []transport.ListenSpec
	Remote         string
	RemoteImplicit bool
	KeysyncURL     string
	CertFile       string
	KeyFile        string
	MaildirRoot    string
	ConfigFile     string
	IndicateReady  bool
	ReadyFD        int
}

// ParseFlags parses args (typically os.Args[1:]) into Flags.
func ParseFlags(fs *flag.FlagSet, args []string) (*Flags, error) {
	f := &Flags{}

	fs.Var(listenFlag{specs: &f.Listen}, "listen", "address to listen on for plaintext/STARTTLS IMAP (repeatable)")
	fs.Var(listenFlag{specs: &f.ListenImplicit}, "listen-tls", "address to listen on for implicit TLS IMAP (repeatable)")
	fs.StringVar(&f.Remote, "remote", "", "upstream IMAP server address (host:port)")
	fs.BoolVar(&f.RemoteImplicit, "remote-tls", true, "connect to the upstream using implicit TLS")
	fs.StringVar(&f.KeysyncURL, "keysync-url", "", "base URL of the keysync HTTP collaborator")
	fs.StringVar(&f.CertFile, "cert", "", "path to the TLS certificate used for downstream listeners")
	fs.StringVar(&f.KeyFile, "key", "", "path to the TLS private key used for downstream listeners")
	fs.StringVar(&f.MaildirRoot, "maildir", "", "root directory for per-user keydir storage")
	fs.StringVar(&f.ConfigFile, "config", "", "path to a YAML settings overlay file")
	fs.BoolVar(&f.IndicateReady, "indicate-ready", false, "write a newline to -ready-fd once listeners are up")
	fs.IntVar(&f.ReadyFD, "ready-fd", -1, "file descriptor to signal readiness on, requires -indicate-ready")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// Resolve merges parsed flags over a Settings overlay, producing the
// final values the rest of the gateway reads. Flags win; a flag left at
// its zero value falls through to the overlay/default.
func (f *Flags) Resolve(s *Settings) {
	if f.Remote != "" {
		s.Override(RemoteAddr, f.Remote)
	}
	if f.KeysyncURL != "" {
		s.Override(KeysyncURL, f.KeysyncURL)
	}
	if f.CertFile != "" {
		s.Override(CertFile, f.CertFile)
	}
	if f.KeyFile != "" {
		s.Override(KeyFile, f.KeyFile)
	}
	if f.MaildirRoot != "" {
		s.Override(MaildirRoot, f.MaildirRoot)
	}
}
