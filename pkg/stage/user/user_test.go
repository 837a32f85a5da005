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

package user

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ljanyst/citm/pkg/imapreader"
	"github.com/ljanyst/citm/pkg/sched"
	"github.com/ljanyst/citm/pkg/session"
	"github.com/ljanyst/citm/pkg/stage/preuser"
)

type fakeKeydir struct{}

func (fakeKeydir) Sign([]byte) (string, error)                  { return "sig", nil }
func (fakeKeydir) Verify(string, []byte, string) error          { return nil }
func (fakeKeydir) Peers() ([]string, error)                     { return nil, nil }
func (fakeKeydir) AddPeer(string, string) error                 { return nil }
func (fakeKeydir) RemovePeer(string) error                      { return nil }
func (fakeKeydir) Rotate() (string, error)                      { return "pub", nil }
func (fakeKeydir) PublicKey() (string, error)                   { return "pub", nil }
func (fakeKeydir) Close() error                                 { return nil }
func (fakeKeydir) Encrypt(plain []byte) (string, error)         { return "ENC:" + string(plain), nil }
func (fakeKeydir) Decrypt(armored string) ([]byte, error) {
	return []byte(strings.TrimPrefix(armored, "ENC:")), nil
}

type harness struct {
	down   net.Conn
	downR  *bufio.Reader
	up     net.Conn
	upR    *bufio.Reader
	u      *User
	sch    *sched.Scheduler
	onDone chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dnServer, dnClient := net.Pipe()
	upServer, upClient := net.Pipe()
	sch := sched.New()
	t.Cleanup(sch.Stop)

	srv := session.NewServer(dnServer, imapreader.AllExtensions, 1<<20, func(imapreader.Command) error { return nil }, func(error) {})
	cli := session.NewClient(upServer, imapreader.AllExtensions, 1<<20, "c", func(imapreader.Response) {}, func(error) {})

	h := &harness{
		down:   dnClient,
		downR:  bufio.NewReader(dnClient),
		up:     upClient,
		upR:    bufio.NewReader(upClient),
		sch:    sch,
		onDone: make(chan error, 1),
	}
	out := preuser.Outcome{
		UserID:   "alice",
		Keydir:   fakeKeydir{},
		Upstream: cli,
		Servers:  []*session.Server{srv},
	}
	h.u = New(sch, out, func(err error) { h.onDone <- err })
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

func firstWord(line string) string {
	for i, c := range line {
		if c == ' ' {
			return line[:i]
		}
	}
	return line
}

func TestUserRelaysCommandWithTagRewrite(t *testing.T) {
	h := newHarness(t)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("a1 NOOP\r\n"))
	require.NoError(t, err)

	upLine := h.readUp(t)
	require.Contains(t, upLine, "NOOP")
	upTag := firstWord(upLine)
	require.NotEqual(t, "a1", upTag)

	_, err = h.up.Write([]byte(upTag + " OK NOOP completed\r\n"))
	require.NoError(t, err)

	downLine := h.readDown(t)
	require.Contains(t, downLine, "a1 OK")
}

func TestUserEncryptsAppendLiteral(t *testing.T) {
	h := newHarness(t)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("a1 APPEND INBOX {5}\r\nhello\r\n"))
	require.NoError(t, err)

	upLine := h.readUp(t)
	require.Contains(t, upLine, "APPEND INBOX")
	upTag := firstWord(upLine)

	// Read the literal length header and body the user re-wrote.
	require.Contains(t, upLine, "{")
	litHeader := upLine[strings.Index(upLine, "{"):]
	var n int
	_, err = fmt.Sscanf(litHeader, "{%d}", &n)
	require.NoError(t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(h.upR, body)
	require.NoError(t, err)
	require.Contains(t, string(body), envelopeContentType)
	require.True(t, strings.HasSuffix(string(body), "\r\n\r\nENC:hello"))

	_, err = h.up.Write([]byte(upTag + " OK APPEND completed\r\n"))
	require.NoError(t, err)

	downLine := h.readDown(t)
	require.Contains(t, downLine, "a1 OK")
}

func TestUserFetchRecomputesBodystructureAndStripsInjectedBody(t *testing.T) {
	h := newHarness(t)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("a1 FETCH 1 BODYSTRUCTURE\r\n"))
	require.NoError(t, err)

	upLine := h.readUp(t)
	require.Contains(t, upLine, "FETCH 1 (BODYSTRUCTURE BODY.PEEK[])")
	upTag := firstWord(upLine)

	msg := "Content-Type: text/plain\r\n\r\nhello\r\n"
	fetchResp := fmt.Sprintf("* 1 FETCH (BODYSTRUCTURE (\"APPLICATION\" \"X-CITM-ENVELOPE\" NIL NIL NIL \"7BIT\" 0) BODY[] {%d}\r\n%s)\r\n", len(msg), msg)
	_, err = h.up.Write([]byte(fetchResp))
	require.NoError(t, err)

	downLine := h.readDown(t)
	require.Contains(t, downLine, "BODYSTRUCTURE")
	require.Contains(t, downLine, "\"TEXT\"")
	require.Contains(t, downLine, "\"PLAIN\"")
	require.NotContains(t, downLine, "BODY[]")

	_, err = h.up.Write([]byte(upTag + " OK FETCH completed\r\n"))
	require.NoError(t, err)

	taggedLine := h.readDown(t)
	require.Contains(t, taggedLine, "a1 OK")
}

func TestUserFetchDecryptsBodyWhenExplicitlyRequested(t *testing.T) {
	h := newHarness(t)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("a1 FETCH 1 BODY[]\r\n"))
	require.NoError(t, err)

	upLine := h.readUp(t)
	require.Contains(t, upLine, "FETCH 1 BODY[]")
	require.NotContains(t, upLine, "BODY.PEEK[]")
	upTag := firstWord(upLine)

	envelope, err := encryptEnvelope(fakeKeydir{}, []byte("hello"))
	require.NoError(t, err)
	cipher := string(envelope)
	fetchResp := fmt.Sprintf("* 1 FETCH (BODY[] {%d}\r\n%s)\r\n", len(cipher), cipher)
	_, err = h.up.Write([]byte(fetchResp))
	require.NoError(t, err)

	litHeader := "* 1 FETCH (BODY[] {"
	gotHeader, err := h.downR.ReadString('}')
	require.NoError(t, err)
	require.Contains(t, gotHeader, litHeader)
	var n int
	_, err = fmt.Sscanf(gotHeader[strings.Index(gotHeader, "{"):], "{%d}", &n)
	require.NoError(t, err)
	body := make([]byte, n)
	_, err = io.ReadFull(h.downR, body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))

	_, err = h.up.Write([]byte(upTag + " OK FETCH completed\r\n"))
	require.NoError(t, err)
}

func TestUserFetchRejectsMalformedSequenceSet(t *testing.T) {
	h := newHarness(t)
	defer h.down.Close()
	defer h.up.Close()

	_, err := h.down.Write([]byte("a1 FETCH :bogus: BODY[]\r\n"))
	require.NoError(t, err)

	downLine := h.readDown(t)
	require.Contains(t, downLine, "a1 BAD")

	_, err = h.down.Write([]byte("a2 NOOP\r\n"))
	require.NoError(t, err)

	upLine := h.readUp(t)
	require.Contains(t, upLine, "NOOP")
}

func TestUserFailsAllDownstreamsOnUpstreamDeath(t *testing.T) {
	h := newHarness(t)
	defer h.down.Close()

	h.up.Close()

	select {
	case <-h.onDone:
	case <-time.After(time.Second):
		t.Fatal("user did not report upstream death")
	}

	bye := h.readDown(t)
	require.Contains(t, bye, "BYE")
}
