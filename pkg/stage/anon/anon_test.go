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

package anon

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/sched"
)

type harness struct {
	downstream net.Conn
	downR      *bufio.Reader
	upstream   net.Conn
	upR        *bufio.Reader
	sch        *sched.Scheduler
	done       chan struct {
		res Result
		err error
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dnServer, dnClient := net.Pipe()
	upServer, upClient := net.Pipe()
	sch := sched.New()
	t.Cleanup(sch.Stop)

	h := &harness{
		downstream: dnClient,
		downR:      bufio.NewReader(dnClient),
		upstream:   upClient,
		upR:        bufio.NewReader(upClient),
		sch:        sch,
		done: make(chan struct {
			res Result
			err error
		}, 1),
	}
	New(dnServer, upServer, imapreader.AllExtensions, sch, func(res Result, err error) {
		h.done <- struct {
			res Result
			err error
		}{res, err}
	})
	return h
}

func (h *harness) readDown(t *testing.T) string {
	t.Helper()
	line, err := h.downR.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (h *harness) readUp(t *testing.T) string {
	t.Helper()
	line, err := h.upR.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestAnonHappyLogin(t *testing.T) {
	h := newHarness(t)
	defer h.downstream.Close()
	defer h.upstream.Close()

	require.Contains(t, h.readDown(t), "OK")

	_, err := h.downstream.Write([]byte("b LOGIN alice pw\r\n"))
	require.NoError(t, err)

	loginLine := h.readUp(t)
	require.Contains(t, loginLine, "LOGIN alice pw")

	_, err = h.upstream.Write([]byte(loginTagFromLine(t, loginLine) + " OK LOGIN completed\r\n"))
	require.NoError(t, err)

	capLine := h.readUp(t)
	require.Contains(t, capLine, "CAPABILITY")

	_, err = h.upstream.Write([]byte("* CAPABILITY IMAP4rev1 IDLE\r\n"))
	require.NoError(t, err)
	_, err = h.upstream.Write([]byte(loginTagFromLine(t, capLine) + " OK CAPABILITY completed\r\n"))
	require.NoError(t, err)

	select {
	case out := <-h.done:
		require.NoError(t, out.err)
		require.Equal(t, "alice", out.res.User)
		require.Equal(t, "pw", out.res.Pass)
		require.Equal(t, "b", out.res.Tag)
		require.NotEmpty(t, out.res.UpCaps)
	case <-time.After(time.Second):
		t.Fatal("anon did not complete")
	}
}

func TestAnonBadPasswordReturnsToAwaitCmd(t *testing.T) {
	h := newHarness(t)
	defer h.downstream.Close()
	defer h.upstream.Close()

	require.Contains(t, h.readDown(t), "OK")

	_, err := h.downstream.Write([]byte("b LOGIN alice wrong\r\n"))
	require.NoError(t, err)

	loginLine := h.readUp(t)
	_, err = h.upstream.Write([]byte(loginTagFromLine(t, loginLine) + " NO Authentication failed\r\n"))
	require.NoError(t, err)

	resp := h.readDown(t)
	require.Contains(t, resp, "b NO")

	// anon is back in AwaitCmd: a further CAPABILITY must be answered
	// locally, without another upstream round trip.
	_, err = h.downstream.Write([]byte("c CAPABILITY\r\n"))
	require.NoError(t, err)
	require.Contains(t, h.readDown(t), "CAPABILITY")
	require.Contains(t, h.readDown(t), "c OK")
}

func loginTagFromLine(t *testing.T, line string) string {
	t.Helper()
	for i, c := range line {
		if c == ' ' {
			return line[:i]
		}
	}
	t.Fatalf("no tag found in line %q", line)
	return ""
}
