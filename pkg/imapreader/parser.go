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
	"strconv"
	"strings"
)

// parser turns scanner lexemes into Command/Response values. It shares
// the scanner's extension set so that literal and grammar decisions
// agree with what was negotiated.
type parser struct {
	scan    *scanner
	maxLit  uint32 // 0 means unlimited
}

func newParser(exts ExtensionSet, maxLiteral uint32) *parser {
	return &parser{scan: newScanner(exts), maxLit: maxLiteral}
}

// parseField reads one Field starting at i. p.maxLit bounds the size of
// any literal encountered (a parse error if exceeded).
func (p *parser) parseField(b []byte, i int) (Field, int, error) {
	l, j, err := p.scan.next(b, i)
	if err != nil {
		return Field{}, i, err
	}

	switch l.kind {
	case lexAtom:
		if l.text == "NIL" {
			return Field{Kind: FieldNil}, j, nil
		}
		if n, err := strconv.ParseUint(l.text, 10, 32); err == nil && isAllDigits(l.text) {
			return Field{Kind: FieldNumber, Number: uint32(n)}, j, nil
		}
		return Field{Kind: FieldAtom, Atom: l.text}, j, nil

	case lexQuoted:
		return Field{Kind: FieldAtom, Atom: l.text}, j, nil

	case lexLiteralHeader:
		if p.maxLit != 0 && l.n > p.maxLit {
			return Field{}, i, fmt.Errorf("imapreader: literal of %d bytes exceeds limit of %d", l.n, p.maxLit)
		}
		if j+int(l.n) > len(b) {
			return Field{}, i, errNeedMore
		}
		body := make([]byte, l.n)
		copy(body, b[j:j+int(l.n)])
		return Field{Kind: FieldLiteral, Literal: body, NonSync: l.nonSync}, j + int(l.n), nil

	case lexListOpen:
		var fields []Field
		k := j
		for {
			k = p.scan.skipSpace(b, k)
			if k < len(b) && b[k] == ')' {
				return Field{Kind: FieldList, List: fields}, k + 1, nil
			}
			f, next, err := p.parseField(b, k)
			if err != nil {
				return Field{}, i, err
			}
			fields = append(fields, f)
			k = next
		}

	default:
		return Field{}, i, fmt.Errorf("imapreader: unexpected token in field position")
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// parseArgs reads space-separated Fields until CRLF, returning the index
// just past the CRLF.
func (p *parser) parseArgs(b []byte, i int) ([]Field, int, error) {
	var args []Field
	for {
		j := p.scan.skipSpace(b, i)
		// Peek for CRLF without consuming via parseField, since CRLF is
		// not a valid field start.
		if j < len(b) && (b[j] == '\r' || b[j] == '\n') {
			l, k, err := p.scan.next(b, j)
			if err != nil {
				return nil, i, err
			}
			if l.kind != lexCRLF {
				return nil, i, fmt.Errorf("imapreader: expected CRLF")
			}
			return args, k, nil
		}
		if j >= len(b) {
			return nil, i, errNeedMore
		}
		f, next, err := p.parseField(b, j)
		if err != nil {
			return nil, i, err
		}
		args = append(args, f)
		i = next
	}
}

// parseCommand parses one client-to-server command: "tag SP name *(SP
// field) CRLF". Returns errNeedMore if b[start:] is an incomplete but
// valid prefix.
func (p *parser) parseCommand(b []byte, start int) (Command, int, error) {
	i := p.scan.skipSpace(b, start)
	tagLex, i, err := p.scan.next(b, i)
	if err != nil {
		return Command{}, start, err
	}
	if tagLex.kind != lexAtom {
		return Command{}, start, fmt.Errorf("imapreader: command missing tag")
	}

	i = p.scan.skipSpace(b, i)
	nameLex, i, err := p.scan.next(b, i)
	if err != nil {
		return Command{}, start, err
	}
	if nameLex.kind != lexAtom {
		return Command{}, start, fmt.Errorf("imapreader: command missing name")
	}
	name := strings.ToUpper(nameLex.text)
	if err := p.checkGrammar(name); err != nil {
		return Command{}, start, err
	}

	args, end, err := p.parseArgs(b, i)
	if err != nil {
		return Command{}, start, err
	}
	return Command{Tag: tagLex.text, Name: name, Args: args}, end, nil
}

// parseResponse parses one server-to-client unit: a tagged status line,
// an untagged ("*") data response, or a "+" continuation request.
func (p *parser) parseResponse(b []byte, start int) (Response, int, error) {
	i := p.scan.skipSpace(b, start)

	// "+" continuations have no further structure beyond an optional
	// trailing text, which we fold into a single atom field for callers
	// that care (e.g. the user stage inspecting idle/auth prompts).
	if i < len(b) && b[i] == '+' {
		i++
		args, end, err := p.parseArgs(b, i)
		if err != nil {
			return Response{}, start, err
		}
		return Response{Tag: "+", Args: args}, end, nil
	}

	tagLex, i, err := p.scan.next(b, i)
	if err != nil {
		return Response{}, start, err
	}
	if tagLex.kind != lexAtom {
		return Response{}, start, fmt.Errorf("imapreader: response missing tag")
	}

	i = p.scan.skipSpace(b, i)
	// Untagged numeric data responses look like "* 4 EXISTS": the thing
	// right after "*" may be a number, not the response name.
	var leading *Field
	if tagLex.text == "*" {
		save := i
		f, next, ferr := p.parseField(b, i)
		if ferr == errNeedMore {
			return Response{}, start, errNeedMore
		}
		if ferr == nil && f.Kind == FieldNumber {
			leading = &f
			i = next
		} else {
			i = save
		}
	}

	nameLex, i, err := p.scan.next(b, i)
	if err != nil {
		return Response{}, start, err
	}
	if nameLex.kind != lexAtom {
		return Response{}, start, fmt.Errorf("imapreader: response missing name")
	}

	args, end, err := p.parseArgs(b, i)
	if err != nil {
		return Response{}, start, err
	}
	if leading != nil {
		args = append([]Field{*leading}, args...)
	}
	return Response{Tag: tagLex.text, Name: strings.ToUpper(nameLex.text), Args: args}, end, nil
}

// checkGrammar rejects commands that require an extension not in the
// negotiated ExtensionSet. This only covers commands whose legality is
// binary on/off; modifier-level checks (e.g. CHANGEDSINCE inside FETCH)
// are the stage's responsibility since they depend on surrounding args.
func (p *parser) checkGrammar(name string) error {
	switch name {
	case "IDLE":
		if !p.scan.exts.Has(IDLE) {
			return fmt.Errorf("imapreader: IDLE not enabled for this session")
		}
	case "MOVE", "UID MOVE":
		if !p.scan.exts.Has(MOVE) {
			return fmt.Errorf("imapreader: MOVE not enabled for this session")
		}
	case "UNSELECT":
		if !p.scan.exts.Has(UNSELECT) {
			return fmt.Errorf("imapreader: UNSELECT not enabled for this session")
		}
	case "GETQUOTA", "GETQUOTAROOT", "SETQUOTA":
		if !p.scan.exts.Has(QUOTA) {
			return fmt.Errorf("imapreader: QUOTA not enabled for this session")
		}
	}
	return nil
}
