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

// Extension names one grammar-affecting IMAP capability extension.
type Extension uint

const (
	// UIDPLUS enables UID EXPUNGE and the APPENDUID/COPYUID response codes.
	UIDPLUS Extension = 1 << iota
	// CONDSTORE enables (CHANGEDSINCE n) search/fetch modifiers and MODSEQ.
	CONDSTORE
	// QRESYNC enables the QRESYNC SELECT parameter and VANISHED responses.
	QRESYNC
	// IDLE enables the IDLE command and its continuation/DONE handshake.
	IDLE
	// LITERALPLUS enables non-synchronizing {N+} literals.
	LITERALPLUS
	// MOVE enables the MOVE command (RFC 6851).
	MOVE
	// UNSELECT enables the UNSELECT command.
	UNSELECT
	// QUOTA enables the GETQUOTA/GETQUOTAROOT/SETQUOTA commands.
	QUOTA
	// APPENDLIMIT enables the APPENDLIMIT capability/response code.
	APPENDLIMIT
	// SASLIR enables AUTHENTICATE with an initial response argument.
	SASLIR
)

// ExtensionSet is a bitmask of negotiated extensions. It is supplied to a
// Reader so that grammar decisions reflect what both peers actually
// negotiated instead of the full IMAP4rev1 grammar plus everything the
// author knew about the day the parser was written. The parser consults
// it only for the IDLE, MOVE, UNSELECT and QUOTA command names and for
// {N+} literals (LITERALPLUS); the other bits do not change what it
// accepts, so UID EXPUNGE, UID MOVE and CHANGEDSINCE are parsed whatever
// the set holds.
type ExtensionSet uint

// Has reports whether ext is enabled in the set.
func (s ExtensionSet) Has(ext Extension) bool {
	return uint(s)&uint(ext) != 0
}

// With returns a copy of s with ext enabled.
func (s ExtensionSet) With(ext Extension) ExtensionSet {
	return ExtensionSet(uint(s) | uint(ext))
}

// Without returns a copy of s with ext disabled.
func (s ExtensionSet) Without(ext Extension) ExtensionSet {
	return ExtensionSet(uint(s) &^ uint(ext))
}

// NoExtensions is the empty set: bare IMAP4rev1 grammar only.
const NoExtensions ExtensionSet = 0

// AllExtensions enables every extension this reader understands. Used by
// the anon stage before capabilities have been negotiated with either
// peer, and narrowed down once CAPABILITY responses are known.
const AllExtensions ExtensionSet = ExtensionSet(UIDPLUS | CONDSTORE | QRESYNC |
	IDLE | LITERALPLUS | MOVE | UNSELECT | QUOTA | APPENDLIMIT | SASLIR)
