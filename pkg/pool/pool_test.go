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

package pool

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/events"
	"github.com/ljanyst/citm/pkg/httpsync"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/sched"
)

type pairHarness struct {
	down  net.Conn
	downR *bufio.Reader
	up    net.Conn
	upR   *bufio.Reader
}

func dialPair(t *testing.T, p *Pool) *pairHarness {
	t.Helper()
	dnServer, dnClient := net.Pipe()
	upServer, upClient := net.Pipe()
	require.NoError(t, p.NewPair(dnServer, upServer, imapreader.AllExtensions))
	return &pairHarness{down: dnClient, downR: bufio.NewReader(dnClient), up: upClient, upR: bufio.NewReader(upClient)}
}

func (h *pairHarness) readDown(t *testing.T) string {
	t.Helper()
	line, err := h.downR.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (h *pairHarness) readUp(t *testing.T) string {
	t.Helper()
	line, err := h.upR.ReadString('\n')
	require.NoError(t, err)
	return line
}

func firstWord(line string) string {
	for i, c := range line {
		if c == ' ' {
			return line[:i]
		}
	}
	return line
}

func newTestPool(t *testing.T) (*Pool, *sched.Scheduler) {
	t.Helper()
	return newTestPoolWithEvents(t, nil)
}

func newTestPoolWithEvents(t *testing.T, evs *events.Listener) (*Pool, *sched.Scheduler) {
	t.Helper()
	keysync := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/key/register":
			w.WriteHeader(http.StatusOK)
		case "/key/peers":
			w.WriteHeader(http.StatusOK) // empty body: decodePeers treats it as no peers
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(keysync.Close)

	sch := sched.New()
	t.Cleanup(sch.Stop)

	p := New(sch, Config{
		Syncer:     httpsync.New(nil, 2),
		KeysyncURL: keysync.URL,
		KeydirRoot: t.TempDir(),
		Events:     evs,
	})
	return p, sch
}

func TestPoolPromotesFirstLoginThroughPreuserToUser(t *testing.T) {
	p, _ := newTestPool(t)
	h := dialPair(t, p)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("b LOGIN alice pw\r\n"))
	require.NoError(t, err)

	loginLine := h.readUp(t)
	require.Contains(t, loginLine, "LOGIN alice pw")
	tag := firstWord(loginLine)
	_, err = h.up.Write([]byte(tag + " OK LOGIN completed\r\n"))
	require.NoError(t, err)

	capLine := h.readUp(t)
	require.Contains(t, capLine, "CAPABILITY")
	_, err = h.up.Write([]byte("* CAPABILITY IMAP4rev1\r\n"))
	require.NoError(t, err)
	_, err = h.up.Write([]byte(firstWord(capLine) + " OK CAPABILITY completed\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		line, rerr := h.downR.ReadString('\n')
		if rerr != nil {
			return false
		}
		return line == "b OK LOGIN completed\r\n"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.Stats().Users == 1
	}, time.Second, 10*time.Millisecond)
}

// TestPoolQuitFinishesWithAnonInFlight covers P6: a client that is still
// mid-LOGIN (parked in unowned, no completion yet) when Quit is called
// must not leave quitDone unfired.
func TestPoolQuitFinishesWithAnonInFlight(t *testing.T) {
	p, sch := newTestPool(t)
	h := dialPair(t, p)
	defer h.down.Close()
	defer h.up.Close()

	done := make(chan struct{})
	sch.Submit(func() {
		p.Quit(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool.Quit never completed with an anon in flight")
	}
}

// TestPoolQuitFinishesWithPreuserInFlight covers the same deadlock for a
// preuser stuck mid-keysync when Quit arrives.
func TestPoolQuitFinishesWithPreuserInFlight(t *testing.T) {
	gate := make(chan struct{})
	keysync := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/key/register" {
			<-gate
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer keysync.Close()
	defer close(gate)

	sch := sched.New()
	t.Cleanup(sch.Stop)
	p := New(sch, Config{
		Syncer:     httpsync.New(nil, 2),
		KeysyncURL: keysync.URL,
		KeydirRoot: t.TempDir(),
	})

	h := dialPair(t, p)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("b LOGIN alice pw\r\n"))
	require.NoError(t, err)
	loginLine := h.readUp(t)
	tag := firstWord(loginLine)
	_, err = h.up.Write([]byte(tag + " OK LOGIN completed\r\n"))
	require.NoError(t, err)
	capLine := h.readUp(t)
	_, err = h.up.Write([]byte("* CAPABILITY IMAP4rev1\r\n"))
	require.NoError(t, err)
	_, err = h.up.Write([]byte(firstWord(capLine) + " OK CAPABILITY completed\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Stats().Preusers == 1
	}, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	sch.Submit(func() {
		p.Quit(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool.Quit never completed with a preuser in flight")
	}
}

func TestPoolEmitsUserCreatedOnPromotion(t *testing.T) {
	evs := events.NewListener()
	created := make(chan string, 1)
	evs.Add(events.UserCreated, created)

	p, _ := newTestPoolWithEvents(t, evs)
	h := dialPair(t, p)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("b LOGIN alice pw\r\n"))
	require.NoError(t, err)

	loginLine := h.readUp(t)
	tag := firstWord(loginLine)
	_, err = h.up.Write([]byte(tag + " OK LOGIN completed\r\n"))
	require.NoError(t, err)

	capLine := h.readUp(t)
	_, err = h.up.Write([]byte("* CAPABILITY IMAP4rev1\r\n"))
	require.NoError(t, err)
	_, err = h.up.Write([]byte(firstWord(capLine) + " OK CAPABILITY completed\r\n"))
	require.NoError(t, err)

	select {
	case userID := <-created:
		require.Equal(t, "alice", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("UserCreated was never emitted")
	}
}
