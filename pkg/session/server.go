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

package session

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/imapreader"
)

// Conn is the minimal transport a Server/Client needs: a byte stream
// plus Close. pkg/transport.Conn satisfies it; tests use net.Pipe or an
// in-memory buffer instead.
type Conn interface {
	io.ReadWriteCloser
}

// Server is the downstream-facing framed duplex endpoint: it owns the
// connection to an IMAP client, decodes commands incrementally, and
// accepts outbound response lines with backpressure.
type Server struct {
	conn   Conn
	reader *imapreader.Reader
	out    chan []byte

	onCmd atomic.Value // imapreader.CommandFunc
	onErr atomic.Value // func(error)

	closed int32
	wg     sync.WaitGroup

	log *logrus.Entry
}

// NewServer starts reading conn immediately in a background goroutine,
// invoking onCmd for each parsed command and onErr exactly once when the
// connection or the reader dies (I5). onCmd runs on the reader
// goroutine; callers that need single-flight ordering with the rest of
// the stage must hop to their own scheduler inside onCmd.
func NewServer(conn Conn, exts imapreader.ExtensionSet, maxLiteral uint32, onCmd imapreader.CommandFunc, onErr func(error)) *Server {
	s := &Server{
		conn: conn,
		out:  make(chan []byte, outboxCapacity),
		log:  logrus.WithField("component", "session.server"),
	}
	s.onCmd.Store(onCmd)
	s.onErr.Store(onErr)
	s.reader = imapreader.NewServerReader(exts, maxLiteral, s.dispatchCmd)

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// SetHandlers atomically rebinds the command and error callbacks. A pair
// moving to a new stage (I1) keeps the same reader/writer goroutines
// running; only who they report to changes, so no bytes in flight are
// lost switching owners.
func (s *Server) SetHandlers(onCmd imapreader.CommandFunc, onErr func(error)) {
	s.onCmd.Store(onCmd)
	s.onErr.Store(onErr)
}

func (s *Server) dispatchCmd(cmd imapreader.Command) error {
	fn, _ := s.onCmd.Load().(imapreader.CommandFunc)
	if fn == nil {
		return nil
	}
	return fn(cmd)
}

func (s *Server) dispatchErr(err error) {
	fn, _ := s.onErr.Load().(func(error))
	if fn != nil {
		fn(err)
	}
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if ferr := s.reader.Feed(buf[:n]); ferr != nil && s.reader.Dead() {
				s.dispatchErr(ferr)
				return
			}
		}
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.dispatchErr(citmerr.Wrap(citmerr.ErrIO, err, "downstream read"))
			}
			return
		}
	}
}

func (s *Server) writeLoop() {
	defer s.wg.Done()
	for line := range s.out {
		if _, err := s.conn.Write(line); err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.dispatchErr(citmerr.Wrap(citmerr.ErrIO, err, "downstream write"))
			}
			return
		}
	}
}

// WriteUntagged enqueues an untagged ("*") response. Blocks if the
// outbound queue is full: backpressure propagates to whatever produced
// this response rather than growing memory unboundedly.
func (s *Server) WriteUntagged(name string, args ...imapreader.Field) error {
	return s.enqueue(FormatResponse("*", name, args))
}

// WriteContinuation enqueues a "+" continuation line.
func (s *Server) WriteContinuation(text string) error {
	var args []imapreader.Field
	if text != "" {
		args = []imapreader.Field{Atom(text)}
	}
	return s.enqueue(FormatResponse("+", "", args))
}

// WriteTagged enqueues a tagged status response ("<tag> OK/NO/BAD ...").
func (s *Server) WriteTagged(tag, status string, args ...imapreader.Field) error {
	return s.enqueue(FormatResponse(tag, status, args))
}

func (s *Server) enqueue(line []byte) error {
	if atomic.LoadInt32(&s.closed) != 0 {
		return citmerr.New(citmerr.ErrIO, "session: write on closed server endpoint")
	}
	s.out <- line
	return nil
}

// Close closes the underlying connection and stops both loops. Safe to
// call more than once.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.out)
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// Closed reports whether Close has been called.
func (s *Server) Closed() bool { return atomic.LoadInt32(&s.closed) != 0 }

// Underlying returns the wrapped connection, letting a stage reach
// through to transport-level operations (STARTTLS upgrade) that the
// framed Server/Client types intentionally don't expose themselves. It
// is only safe to use from inside an onCmd callback: that callback runs
// synchronously on the read goroutine before the next Read, so an
// in-place upgrade of the underlying connection (which must happen
// before any further bytes are read as ciphertext) cannot race with it.
func (s *Server) Underlying() Conn { return s.conn }
