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

package preuser

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ljanyst/citm/pkg/httpsync"
	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
	"github.com/ljanyst/citm/pkg/stage/anon"
)

type fakeKeydir struct {
	peers map[string]string
}

func newFakeKeydir() *fakeKeydir { return &fakeKeydir{peers: map[string]string{}} }

func (f *fakeKeydir) Sign(data []byte) (string, error)               { return "sig", nil }
func (f *fakeKeydir) Verify(peer string, data []byte, sig string) error { return nil }
func (f *fakeKeydir) Peers() ([]string, error) {
	var out []string
	for k := range f.peers {
		out = append(out, k)
	}
	return out, nil
}
func (f *fakeKeydir) AddPeer(addr, pub string) error { f.peers[addr] = pub; return nil }
func (f *fakeKeydir) RemovePeer(addr string) error   { delete(f.peers, addr); return nil }
func (f *fakeKeydir) Rotate() (string, error)        { return "new-pub", nil }
func (f *fakeKeydir) PublicKey() (string, error)     { return "self-pub", nil }
func (f *fakeKeydir) Encrypt(plain []byte) (string, error) { return "armored:" + string(plain), nil }
func (f *fakeKeydir) Decrypt(armored string) ([]byte, error) {
	return []byte(strings.TrimPrefix(armored, "armored:")), nil
}
func (f *fakeKeydir) Close() error { return nil }

type pairConn struct {
	server net.Conn
	client net.Conn
	reader *bufio.Reader
}

func newServerSession(t *testing.T, sch *sched.Scheduler) (*session.Server, *pairConn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	srv := session.NewServer(serverSide, imapreader.NoExtensions, 4096, func(imapreader.Command) error { return nil }, func(error) {})
	return srv, &pairConn{server: serverSide, client: clientSide, reader: bufio.NewReader(clientSide)}
}

func newAnonResult(t *testing.T, sch *sched.Scheduler, user, pass, tag string) (anon.Result, *pairConn) {
	t.Helper()
	srv, pc := newServerSession(t, sch)
	// The preuser only needs a closeable client handle for queued pairs;
	// a second in-memory pipe stands in for the per-pair upstream anon
	// already validated and is about to be discarded.
	upServer, upClient := net.Pipe()
	t.Cleanup(func() { upClient.Close() })
	cli := session.NewClient(upServer, imapreader.NoExtensions, 4096, "x", func(imapreader.Response) {}, func(error) {})
	return anon.Result{Server: srv, Client: cli, User: user, Pass: pass, Tag: tag}, pc
}

func TestPreuserPromotesQueuedPairsOnSuccess(t *testing.T) {
	var registerHits, peersHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/key/register":
			registerHits++
			w.WriteHeader(http.StatusOK)
		case "/key/peers":
			peersHits++
			body, err := msgpack.Marshal(&peersResponse{Peers: []peerEntry{{Addr: "bob@example.com", PublicKey: "bob-pub"}}})
			require.NoError(t, err)
			w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sch := sched.New()
	defer sch.Stop()
	syncer := httpsync.New(nil, 2)
	kd := newFakeKeydir()

	firstRes, firstPC := newAnonResult(t, sch, "alice", "pw", "b")
	defer firstPC.client.Close()

	done := make(chan struct {
		out Outcome
		err error
	}, 1)
	p := New(sch, syncer, srv.URL, kd, firstRes, func(out Outcome, err error) {
		done <- struct {
			out Outcome
			err error
		}{out, err}
	})

	secondRes, secondPC := newAnonResult(t, sch, "alice", "pw", "c")
	defer secondPC.client.Close()
	require.NoError(t, p.AddPair(secondRes))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, "alice", out.out.UserID)
		require.Len(t, out.out.Servers, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("preuser did not resolve")
	}

	line1, err := firstPC.reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line1, "b OK")

	line2, err := secondPC.reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line2, "c OK")

	require.Contains(t, kd.peers, "bob@example.com")
	require.Equal(t, 1, registerHits)
	require.Equal(t, 1, peersHits)
}

func TestPreuserRejectsAllQueuedPairsOnKeysyncFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sch := sched.New()
	defer sch.Stop()
	syncer := httpsync.New(nil, 2)
	kd := newFakeKeydir()

	firstRes, firstPC := newAnonResult(t, sch, "alice", "pw", "b")
	defer firstPC.client.Close()

	done := make(chan error, 1)
	New(sch, syncer, srv.URL, kd, firstRes, func(out Outcome, err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("preuser did not resolve")
	}

	line, err := firstPC.reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "b NO")
}

func TestAddPairRejectsMismatchedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sch := sched.New()
	defer sch.Stop()
	syncer := httpsync.New(nil, 2)
	kd := newFakeKeydir()

	firstRes, firstPC := newAnonResult(t, sch, "alice", "pw", "b")
	defer firstPC.client.Close()
	p := New(sch, syncer, srv.URL, kd, firstRes, func(Outcome, error) {})

	wrongRes, wrongPC := newAnonResult(t, sch, "alice", "different", "z")
	defer wrongPC.client.Close()
	err := p.AddPair(wrongRes)
	require.Error(t, err)
}
