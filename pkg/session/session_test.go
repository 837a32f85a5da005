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
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/imapreader"
)

func TestServerRelaysCommandsAndResponses(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	cmds := make(chan imapreader.Command, 4)
	srv := NewServer(serverSide, imapreader.NoExtensions, 0, func(c imapreader.Command) error {
		cmds <- c
		return nil
	}, func(err error) {})
	defer srv.Close()

	go func() {
		clientSide.Write([]byte("a1 CAPABILITY\r\n"))
	}()

	select {
	case c := <-cmds:
		require.Equal(t, "a1", c.Tag)
		require.Equal(t, "CAPABILITY", c.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
	}

	require.NoError(t, srv.WriteTagged("a1", "OK", Atom("CAPABILITY completed")))

	r := bufio.NewReader(clientSide)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "a1 OK CAPABILITY completed\r\n", line)
}

func TestClientDispatchesTaggedAndUntagged(t *testing.T) {
	upstream, ourSide := net.Pipe()
	defer upstream.Close()

	var untagged []imapreader.Response
	cl := NewClient(ourSide, imapreader.NoExtensions, 0, "c", func(r imapreader.Response) {
		untagged = append(untagged, r)
	}, func(err error) {})
	defer cl.Close()

	tagged := make(chan imapreader.Response, 1)
	tag, err := cl.SendTagged("LOGIN", []imapreader.Field{Atom("alice"), Atom("pw")}, func(r imapreader.Response) {
		tagged <- r
	})
	require.NoError(t, err)
	require.Equal(t, "c1", tag)

	r := bufio.NewReader(upstream)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "c1 LOGIN alice pw\r\n", line)

	go func() {
		upstream.Write([]byte("* 4 EXISTS\r\n"))
		upstream.Write([]byte("c1 OK LOGIN completed\r\n"))
	}()

	select {
	case resp := <-tagged:
		require.Equal(t, "OK", resp.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tagged response")
	}
	require.Eventually(t, func() bool { return len(untagged) == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "EXISTS", untagged[0].Name)
	require.Equal(t, 0, cl.PendingCount())
}

func TestServerCloseIsIdempotent(t *testing.T) {
	_, serverSide := net.Pipe()
	srv := NewServer(serverSide, imapreader.NoExtensions, 0, func(imapreader.Command) error { return nil }, func(error) {})
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	require.True(t, srv.Closed())
}
