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

// Package session implements the framed duplex endpoints ("imap_server"
// wrapping a downstream connection, "imap_client" wrapping the upstream
// one) that carry parsed IMAP units in each direction with backpressure.
package session

import (
	"bytes"
	"fmt"

	"github.com/ljanyst/citm/pkg/imapreader"
)

// outboxCapacity bounds how many formatted lines may be queued for write
// before the Write* methods start blocking the caller — the "outbound queue that
// is full" suspension point from the concurrency model.
const outboxCapacity = 64

// WriteField renders a Field back to IMAP wire syntax. Literals are
// written as synchronizing `{N}` unless NonSync is set, matching
// whichever form the field arrived as (citm never invents non-sync
// literals it didn't receive, to stay compatible with peers that never
// advertised LITERAL+).
func WriteField(buf *bytes.Buffer, f imapreader.Field) {
	switch f.Kind {
	case imapreader.FieldNil:
		buf.WriteString("NIL")
	case imapreader.FieldNumber:
		fmt.Fprintf(buf, "%d", f.Number)
	case imapreader.FieldAtom:
		writeAtomOrQuoted(buf, f.Atom)
	case imapreader.FieldLiteral:
		if f.NonSync {
			fmt.Fprintf(buf, "{%d+}\r\n", len(f.Literal))
		} else {
			fmt.Fprintf(buf, "{%d}\r\n", len(f.Literal))
		}
		buf.Write(f.Literal)
	case imapreader.FieldList:
		buf.WriteByte('(')
		for i, sub := range f.List {
			if i > 0 {
				buf.WriteByte(' ')
			}
			WriteField(buf, sub)
		}
		buf.WriteByte(')')
	}
}

func writeAtomOrQuoted(buf *bytes.Buffer, s string) {
	if s == "" || needsQuoting(s) {
		buf.WriteByte('"')
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c == '"' || c == '\\' {
				buf.WriteByte('\\')
			}
			buf.WriteByte(c)
		}
		buf.WriteByte('"')
		return
	}
	buf.WriteString(s)
}

func needsQuoting(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '(', ')', '{', '"', '\\', '\r', '\n', '%', '*':
			return true
		}
		if s[i] < 0x20 {
			return true
		}
	}
	return false
}

// FormatCommand renders a client command line — callers get back a
// single buffer including any literal payloads WriteField embeds and the
// terminating CRLF, ready to write to the wire as-is.
func FormatCommand(tag, name string, args []imapreader.Field) []byte {
	var buf bytes.Buffer
	buf.WriteString(tag)
	buf.WriteByte(' ')
	buf.WriteString(name)
	for _, a := range args {
		buf.WriteByte(' ')
		WriteField(&buf, a)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// FormatResponse renders a server response line ("*", "+", or a tag).
// Atom arguments of a status response (OK, NO, BAD, BYE, PREAUTH) are
// response text and are written as is, never quoted.
func FormatResponse(tag, name string, args []imapreader.Field) []byte {
	var buf bytes.Buffer
	buf.WriteString(tag)
	if name != "" {
		buf.WriteByte(' ')
		buf.WriteString(name)
	}
	isStatus := name == "OK" || name == "NO" || name == "BAD" || name == "BYE" || name == "PREAUTH"
	for _, a := range args {
		buf.WriteByte(' ')
		if isStatus && a.Kind == imapreader.FieldAtom {
			buf.WriteString(a.Atom)
			continue
		}
		WriteField(&buf, a)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Atom is a convenience constructor for a bare/quoted-string Field.
func Atom(s string) imapreader.Field { return imapreader.Field{Kind: imapreader.FieldAtom, Atom: s} }

// Number is a convenience constructor for a numeric Field.
func Number(n uint32) imapreader.Field {
	return imapreader.Field{Kind: imapreader.FieldNumber, Number: n}
}

// List is a convenience constructor for a parenthesized list Field.
func List(fields ...imapreader.Field) imapreader.Field {
	return imapreader.Field{Kind: imapreader.FieldList, List: fields}
}

// Literal is a convenience constructor for a literal Field.
func Literal(body []byte, nonSync bool) imapreader.Field {
	return imapreader.Field{Kind: imapreader.FieldLiteral, Literal: body, NonSync: nonSync}
}
