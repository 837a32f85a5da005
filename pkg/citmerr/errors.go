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

// Package citmerr defines the error-kind taxonomy shared by every stage of
// the gateway. Kinds are sentinel errors so callers use errors.Is against
// the exported Err* values rather than type-switching on concrete types.
package citmerr

import (
	"github.com/pkg/errors"
)

// Kind identifies which bucket of the error taxonomy an error belongs to.
type Kind error

// Sentinel kinds. Wrap one with errors.Wrap(ErrProtocol, "...") or compare
// with errors.Is(err, citmerr.ErrProtocol).
var (
	// ErrProtocol is malformed IMAP input from either peer.
	ErrProtocol Kind = errors.New("protocol error")
	// ErrAuth is an upstream rejection of credentials.
	ErrAuth Kind = errors.New("auth error")
	// ErrKeysync is a key registration or peer-verification failure.
	ErrKeysync Kind = errors.New("keysync error")
	// ErrIO is a transport-level failure or close.
	ErrIO Kind = errors.New("io error")
	// ErrCancelled marks a stage torn down by the pool, usually during quit.
	ErrCancelled Kind = errors.New("cancelled")
	// ErrInternal marks an invariant violation; fatal to the affected stage
	// only, never to the process.
	ErrInternal Kind = errors.New("internal error")
)

// Wrap annotates err with kind and a message, preserving a stack trace at
// the call site the way pkg/errors does throughout this codebase.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrap(err, msg)}
}

// New creates a fresh error of the given kind with a stack trace attached.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }

func (e *kindError) Unwrap() error { return e.cause }

// Is reports whether target is the Kind this error was tagged with,
// supporting errors.Is(err, citmerr.ErrProtocol).
func (e *kindError) Is(target error) bool {
	return e.kind == target
}
