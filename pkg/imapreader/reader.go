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

// Package imapreader is the incremental IMAP scanner and parser. It turns
// a byte stream fed in arbitrary chunks into a sequence of fully parsed
// commands (server-side) or responses (client-side), honoring literal
// octet counts exactly regardless of where chunk boundaries land.
package imapreader

import (
	"github.com/pkg/errors"

	"github.com/ljanyst/citm/pkg/citmerr"
)

// DefaultMaxLiteral is the literal size above which a Reader reports
// ErrLiteralTooLarge instead of buffering indefinitely. 32MiB comfortably
// exceeds any single IMAP message citm will be asked to relay while still
// bounding memory use per connection.
const DefaultMaxLiteral = 32 << 20

// CommandFunc is invoked once per fully parsed client command.
type CommandFunc func(Command) error

// ResponseFunc is invoked once per fully parsed server response.
type ResponseFunc func(Response) error

// Reader incrementally scans and parses an IMAP byte stream. Create one
// with NewServerReader (to parse commands) or NewClientReader (to parse
// responses); Feed bytes to it as they arrive from the socket.
//
// A Reader is single-owner and not safe for concurrent Feed calls: the
// stage that owns the underlying connection is the only caller, matching
// I1 (exactly one owner) for everything upstream of the reader too.
type Reader struct {
	parser   *parser
	isClient bool
	onCmd    CommandFunc
	onResp   ResponseFunc

	buf  []byte
	dead error // set once a ProtocolError has been signalled
}

// NewServerReader builds a Reader that parses client commands, invoking
// cb for each one. exts controls which extension-gated grammar is
// accepted; maxLiteral caps literal size (0 = DefaultMaxLiteral).
func NewServerReader(exts ExtensionSet, maxLiteral uint32, cb CommandFunc) *Reader {
	if maxLiteral == 0 {
		maxLiteral = DefaultMaxLiteral
	}
	return &Reader{
		parser: newParser(exts, maxLiteral),
		onCmd:  cb,
	}
}

// NewClientReader builds a Reader that parses server responses, invoking
// cb for each one.
func NewClientReader(exts ExtensionSet, maxLiteral uint32, cb ResponseFunc) *Reader {
	if maxLiteral == 0 {
		maxLiteral = DefaultMaxLiteral
	}
	return &Reader{
		parser:   newParser(exts, maxLiteral),
		isClient: true,
		onResp:   cb,
	}
}

// Feed appends chunk to the reader's buffer and parses as many complete
// units as are now available, invoking the callback for each. Parse
// state persists across calls: a literal or line split across chunk
// boundaries is reassembled transparently.
//
// Feed returns a *citmerr wrapped ErrProtocol error the first time
// malformed input is encountered, and every call thereafter returns that
// same dead error without examining chunk (I5: the reader becomes
// permanently dead on a parse error).
func (r *Reader) Feed(chunk []byte) error {
	if r.dead != nil {
		return r.dead
	}
	if len(chunk) > 0 {
		r.buf = append(r.buf, chunk...)
	}

	for {
		consumed, cbErr, parseErr := r.parseOne()
		if parseErr == errNeedMore {
			return nil
		}
		if parseErr != nil {
			r.dead = citmerr.Wrap(citmerr.ErrProtocol, parseErr, "imap parse error")
			r.buf = nil
			return r.dead
		}
		r.buf = r.buf[consumed:]
		if cbErr != nil {
			// The unit itself was well-formed; a callback error is the
			// stage's business, not a protocol violation, so the reader
			// stays alive for the next unit.
			return errors.Wrap(cbErr, "imapreader: callback")
		}
		if len(r.buf) == 0 {
			return nil
		}
	}
}

// Dead reports whether this reader has signalled a parse error and will
// never deliver another unit.
func (r *Reader) Dead() bool { return r.dead != nil }

// parseOne attempts to parse one unit from r.buf. It returns (consumed,
// callbackErr, parseErr): parseErr is either errNeedMore or a syntax
// error that kills the reader; callbackErr is whatever the caller's
// CommandFunc/ResponseFunc returned for a unit that parsed successfully.
func (r *Reader) parseOne() (int, error, error) {
	if r.isClient {
		resp, end, err := r.parser.parseResponse(r.buf, 0)
		if err != nil {
			return 0, nil, err
		}
		return end, r.onResp(resp), nil
	}

	cmd, end, err := r.parser.parseCommand(r.buf, 0)
	if err != nil {
		return 0, nil, err
	}
	return end, r.onCmd(cmd), nil
}
