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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, r *Reader, chunks ...string) error {
	t.Helper()
	for _, c := range chunks {
		if err := r.Feed([]byte(c)); err != nil {
			return err
		}
	}
	return nil
}

func TestLiteralSplitAcrossChunks(t *testing.T) {
	var got []Command
	r := NewServerReader(NoExtensions, 0, func(c Command) error {
		got = append(got, c)
		return nil
	})

	err := feedAll(t, r, "a APPEND INBOX {5}\r\nhe", "llo\r\n")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].Tag)
	require.Equal(t, "APPEND", got[0].Name)
	require.Len(t, got[0].Args, 2)
	require.Equal(t, FieldLiteral, got[0].Args[1].Kind)
	require.Equal(t, "hello", string(got[0].Args[1].Literal))
}

// TestReaderRoundTripByteAtATime is the P4 property check: feeding the
// same well-formed command one byte at a time, including mid-literal
// splits, must produce the same command sequence as a single-chunk feed.
func TestReaderRoundTripByteAtATime(t *testing.T) {
	input := "a1 LOGIN alice {5}\r\nhunter2 fake pass\r\nb2 CAPABILITY\r\n"

	var whole []Command
	rw := NewServerReader(NoExtensions, 0, func(c Command) error {
		whole = append(whole, c)
		return nil
	})
	require.NoError(t, rw.Feed([]byte(input)))

	var piecewise []Command
	rp := NewServerReader(NoExtensions, 0, func(c Command) error {
		piecewise = append(piecewise, c)
		return nil
	})
	for i := 0; i < len(input); i++ {
		require.NoError(t, rp.Feed([]byte{input[i]}))
	}

	require.Equal(t, whole, piecewise)
	require.Len(t, whole, 2)
	require.Equal(t, "LOGIN", whole[0].Name)
	require.Equal(t, "CAPABILITY", whole[1].Name)
}

func TestEOFMidTokenIsNotAnError(t *testing.T) {
	r := NewServerReader(NoExtensions, 0, func(Command) error {
		t.Fatal("no command should be delivered yet")
		return nil
	})
	require.NoError(t, r.Feed([]byte("a1 LOGIN ali")))
	require.False(t, r.Dead())
}

func TestMalformedInputKillsReader(t *testing.T) {
	r := NewServerReader(NoExtensions, 0, func(Command) error { return nil })
	err := r.Feed([]byte("a1 LOGIN \x01\x02\r\n"))
	require.Error(t, err)
	require.True(t, r.Dead())

	// The reader stays dead and returns the same error without scanning.
	err2 := r.Feed([]byte("b1 CAPABILITY\r\n"))
	require.Equal(t, err, err2)
}

func TestLiteralOverLimitIsProtocolError(t *testing.T) {
	r := NewServerReader(NoExtensions, 4, func(Command) error { return nil })
	err := r.Feed([]byte("a1 APPEND INBOX {5}\r\nhello\r\n"))
	require.Error(t, err)
	require.True(t, r.Dead())
}

func TestNonSyncLiteralRequiresExtension(t *testing.T) {
	r := NewServerReader(NoExtensions, 0, func(Command) error { return nil })
	err := r.Feed([]byte("a1 APPEND INBOX {5+}\r\nhello\r\n"))
	require.Error(t, err)

	r2 := NewServerReader(ExtensionSet(LITERALPLUS), 0, func(Command) error { return nil })
	require.NoError(t, r2.Feed([]byte("a1 APPEND INBOX {5+}\r\nhello\r\n")))
}

func TestClientReaderParsesUntaggedAndTaggedResponses(t *testing.T) {
	var got []Response
	r := NewClientReader(NoExtensions, 0, func(resp Response) error {
		got = append(got, resp)
		return nil
	})
	input := "* 4 EXISTS\r\n* OK [UIDVALIDITY 1] ok\r\na1 OK LOGIN completed\r\n"
	require.NoError(t, r.Feed([]byte(input)))
	require.Len(t, got, 3)

	require.True(t, got[0].IsUntagged())
	require.Equal(t, "EXISTS", got[0].Name)
	require.Equal(t, FieldNumber, got[0].Args[0].Kind)
	require.EqualValues(t, 4, got[0].Args[0].Number)

	require.True(t, got[2].IsTagged())
	require.Equal(t, "a1", got[2].Tag)
	require.Equal(t, "OK", got[2].Name)
}

func TestContinuationResponse(t *testing.T) {
	var got []Response
	r := NewClientReader(NoExtensions, 0, func(resp Response) error {
		got = append(got, resp)
		return nil
	})
	require.NoError(t, r.Feed([]byte("+ idling\r\n")))
	require.Len(t, got, 1)
	require.True(t, got[0].IsContinuation())
}

func TestCallbackErrorDoesNotKillReader(t *testing.T) {
	first := true
	r := NewServerReader(NoExtensions, 0, func(c Command) error {
		if first {
			first = false
			return errors.New("handler rejected this one")
		}
		return nil
	})
	err := r.Feed([]byte("a1 NOOP\r\nb2 NOOP\r\n"))
	require.Error(t, err)
	require.False(t, r.Dead())
}

func TestQuotedStringWithEscapes(t *testing.T) {
	var got []Command
	r := NewServerReader(NoExtensions, 0, func(c Command) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, r.Feed([]byte(`a1 LOGIN "ali\"ce" "pw\\d"` + "\r\n")))
	require.Len(t, got, 1)
	require.Equal(t, `ali"ce`, got[0].Args[0].Atom)
	require.Equal(t, `pw\d`, got[0].Args[1].Atom)
}

func TestNestedList(t *testing.T) {
	var got []Command
	r := NewServerReader(NoExtensions, 0, func(c Command) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, r.Feed([]byte("a1 STORE 1 +FLAGS (\\Seen \\Answered)\r\n")))
	require.Len(t, got, 1)
	list := got[0].Args[2]
	require.Equal(t, FieldList, list.Kind)
	require.Len(t, list.List, 2)
	require.Equal(t, `\Seen`, list.List[0].Atom)
}

func TestSeqSetHelper(t *testing.T) {
	f := Field{Kind: FieldAtom, Atom: "1:5,7"}
	set, err := f.SeqSet()
	require.NoError(t, err)
	require.True(t, set.Contains(3))
	require.True(t, set.Contains(7))
	require.False(t, set.Contains(6))
}
