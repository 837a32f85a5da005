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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/imapreader"
)

// TagFunc handles one tagged response delivered for a tag this Client
// allocated via SendTagged.
type TagFunc func(imapreader.Response)

// UntaggedFunc handles untagged ("*") server data not addressed to any
// specific tag (EXISTS, FETCH pushes, FLAGS, BYE, ...).
type UntaggedFunc func(imapreader.Response)

// Client is the upstream-facing framed duplex endpoint. It owns the
// connection to the real IMAP server, allocates its own monotone tag
// namespace, and dispatches each tagged response back to whichever
// caller registered that tag.
type Client struct {
	conn   Conn
	reader *imapreader.Reader
	out    chan []byte

	mu      sync.Mutex
	pending map[string]TagFunc
	nextTag uint64
	prefix  string

	onUntagged atomic.Value // UntaggedFunc
	onErr      atomic.Value // func(error)
	closed     int32
	wg         sync.WaitGroup
	log        *logrus.Entry
}

// NewClient starts reading conn immediately. onUntagged receives every
// response not addressed to a tag this Client allocated; onErr fires
// once when the connection or reader dies.
func NewClient(conn Conn, exts imapreader.ExtensionSet, maxLiteral uint32, tagPrefix string, onUntagged UntaggedFunc, onErr func(error)) *Client {
	c := &Client{
		conn:    conn,
		out:     make(chan []byte, outboxCapacity),
		pending: make(map[string]TagFunc),
		prefix:  tagPrefix,
		log:     logrus.WithField("component", "session.client"),
	}
	c.onUntagged.Store(onUntagged)
	c.onErr.Store(onErr)
	c.reader = imapreader.NewClientReader(exts, maxLiteral, c.dispatch)

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// SetHandlers atomically rebinds the untagged-response and error
// callbacks, used when a Client changes owners across stages (I1): the
// pending-tag map and reader/writer goroutines are untouched, so any
// SendTagged call already in flight still resolves to its own caller.
func (c *Client) SetHandlers(onUntagged UntaggedFunc, onErr func(error)) {
	c.onUntagged.Store(onUntagged)
	c.onErr.Store(onErr)
}

func (c *Client) dispatch(resp imapreader.Response) error {
	if resp.IsTagged() {
		c.mu.Lock()
		fn, ok := c.pending[resp.Tag]
		if ok {
			delete(c.pending, resp.Tag)
		}
		c.mu.Unlock()
		if !ok {
			// Upstream answered a tag we never allocated, or answered it
			// twice: log and drop rather than killing the whole session
			// over a misbehaving (or already-torn-down) peer.
			c.log.WithField("tag", resp.Tag).Warn("response for unknown tag")
			return nil
		}
		fn(resp)
		return nil
	}
	if fn, _ := c.onUntagged.Load().(UntaggedFunc); fn != nil {
		fn(resp)
	}
	return nil
}

func (c *Client) dispatchErr(err error) {
	if fn, _ := c.onErr.Load().(func(error)); fn != nil {
		fn(err)
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if ferr := c.reader.Feed(buf[:n]); ferr != nil && c.reader.Dead() {
				c.dispatchErr(ferr)
				return
			}
		}
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				c.dispatchErr(citmerr.Wrap(citmerr.ErrIO, err, "upstream read"))
			}
			return
		}
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for line := range c.out {
		if _, err := c.conn.Write(line); err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				c.dispatchErr(citmerr.Wrap(citmerr.ErrIO, err, "upstream write"))
			}
			return
		}
	}
}

// NextTag allocates the next tag in this Client's monotone upstream
// namespace, e.g. "c1", "c2", ... Tag rewriting (P5) relies on this
// namespace never repeating for the lifetime of the Client.
func (c *Client) NextTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	return fmt.Sprintf("%s%d", c.prefix, c.nextTag)
}

// SendTagged writes a command upstream under a freshly allocated tag and
// registers fn to receive the eventual tagged response. Returns the
// allocated tag so the caller can correlate it (e.g. the user stage's
// tag map from downstream tag to upstream tag).
func (c *Client) SendTagged(name string, args []imapreader.Field, fn TagFunc) (string, error) {
	tag := c.NextTag()
	c.mu.Lock()
	c.pending[tag] = fn
	c.mu.Unlock()

	if err := c.enqueue(FormatCommand(tag, name, args)); err != nil {
		c.mu.Lock()
		delete(c.pending, tag)
		c.mu.Unlock()
		return "", err
	}
	return tag, nil
}

// SendRaw writes already-tagged bytes upstream (e.g. a literal
// continuation payload) without registering a new pending callback.
func (c *Client) SendRaw(line []byte) error {
	return c.enqueue(line)
}

func (c *Client) enqueue(line []byte) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return citmerr.New(citmerr.ErrIO, "session: write on closed client endpoint")
	}
	c.out <- line
	return nil
}

// PendingCount returns the number of tags awaiting a response, used by
// the user stage to enforce "at most one in-flight command per
// downstream session" bookkeeping in tests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the underlying connection and stops both loops.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.out)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool { return atomic.LoadInt32(&c.closed) != 0 }
