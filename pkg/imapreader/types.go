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

package imapreader

import (
	"fmt"

	"github.com/emersion/go-imap"
)

// FieldKind discriminates the variants of Field.
type FieldKind int

const (
	// FieldAtom is a bare or quoted string token (tag, command name, flag).
	FieldAtom FieldKind = iota
	// FieldNumber is an unsigned numeric atom, kept as its own kind so
	// callers don't re-parse sequence numbers and UIDs out of strings.
	FieldNumber
	// FieldLiteral is a `{N}`/`{N+}` literal: exactly N bytes of payload.
	FieldLiteral
	// FieldList is a parenthesized list of nested Fields.
	FieldList
	// FieldNil is the bare atom NIL.
	FieldNil
)

// Field is one argument of a Command or Response. IMAP grammar is
// recursive (lists nest), so Fields form a tree.
type Field struct {
	Kind    FieldKind
	Atom    string  // FieldAtom
	Number  uint32  // FieldNumber
	NonSync bool    // FieldLiteral: true if this was a `{N+}` literal
	Literal []byte  // FieldLiteral: the literal payload, exactly the N bytes its header announced
	List    []Field // FieldList
}

// String renders a Field approximately as it appeared on the wire, for
// logging and test failure messages. It is not a valid round-trip
// serializer for literals (it does not reproduce the `{N}` header).
func (f Field) String() string {
	switch f.Kind {
	case FieldAtom:
		return f.Atom
	case FieldNumber:
		return fmt.Sprintf("%d", f.Number)
	case FieldLiteral:
		return fmt.Sprintf("{%d}%s", len(f.Literal), f.Literal)
	case FieldNil:
		return "NIL"
	case FieldList:
		return fmt.Sprintf("%v", f.List)
	default:
		return "<?>"
	}
}

// SeqSet reinterprets an atom Field as an IMAP sequence set, reusing
// go-imap's own parser and type rather than re-implementing range/comma
// splitting. Returns an error if the field is not a valid sequence set.
func (f Field) SeqSet() (*imap.SeqSet, error) {
	if f.Kind != FieldAtom {
		return nil, fmt.Errorf("imapreader: field is not an atom: %v", f)
	}
	return imap.ParseSeqSet(f.Atom)
}

// Command is one fully parsed client-to-server IMAP command: a tag, a
// command name (always upper-cased), and its arguments.
type Command struct {
	Tag  string
	Name string
	Args []Field
}

// Response is one fully parsed server-to-client IMAP unit: either a
// tagged status response ("a1 OK ...") or an untagged data response
// ("* 4 EXISTS", "* OK ...", "+ " continuation).
type Response struct {
	// Tag is the command tag this response answers, "*" for untagged
	// data, or "+" for a continuation request.
	Tag  string
	Name string
	Args []Field
}

// IsContinuation reports whether this is a "+" continuation request,
// e.g. after a literal header or during AUTHENTICATE.
func (r Response) IsContinuation() bool {
	return r.Tag == "+"
}

// IsUntagged reports whether this is "*" untagged server data.
func (r Response) IsUntagged() bool {
	return r.Tag == "*"
}

// IsTagged reports whether this is a response to a specific client tag.
func (r Response) IsTagged() bool {
	return !r.IsContinuation() && !r.IsUntagged()
}
