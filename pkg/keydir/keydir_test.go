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

package keydir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenGeneratesKeyAndPersists(t *testing.T) {
	root := t.TempDir()

	d1, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	pub1, err := d1.PublicKey()
	require.NoError(t, err)
	require.NotEmpty(t, pub1)
	require.NoError(t, d1.Close())

	d2, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer d2.Close()
	pub2, err := d2.PublicKey()
	require.NoError(t, err)
	require.Equal(t, pub1, pub2, "reopening must not regenerate the keypair")
}

func TestSignVerifyRoundTrip(t *testing.T) {
	root := t.TempDir()

	alice, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Open(root, "bob@example.com")
	require.NoError(t, err)
	defer bob.Close()

	alicePub, err := alice.PublicKey()
	require.NoError(t, err)
	require.NoError(t, bob.AddPeer("alice@example.com", alicePub))

	data := []byte("hello bob")
	sig, err := alice.Sign(data)
	require.NoError(t, err)
	require.NoError(t, bob.Verify("alice@example.com", data, sig))

	require.Error(t, bob.Verify("alice@example.com", []byte("tampered"), sig))
}

func TestVerifyUnknownPeerFails(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer d.Close()

	_, signErr := d.Sign([]byte("x"))
	require.NoError(t, signErr)
	err = d.Verify("stranger@example.com", []byte("x"), "not-a-real-signature")
	require.Error(t, err)
}

func TestRotateChangesPublicKey(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer d.Close()

	before, err := d.PublicKey()
	require.NoError(t, err)
	after, err := d.Rotate()
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	current, err := d.PublicKey()
	require.NoError(t, err)
	require.Equal(t, after, current)
}

func TestPeersListsAddedPeers(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer d.Close()

	peers, err := d.Peers()
	require.NoError(t, err)
	require.Empty(t, peers)

	require.NoError(t, d.AddPeer("bob@example.com", mustPubKey(t, root, "bob@example.com")))
	peers, err = d.Peers()
	require.NoError(t, err)
	require.Equal(t, []string{"bob@example.com"}, peers)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer d.Close()

	armored, err := d.Encrypt([]byte("top secret"))
	require.NoError(t, err)
	plain, err := d.Decrypt(armored)
	require.NoError(t, err)
	require.Equal(t, "top secret", string(plain))
}

func TestEncryptIncludesPeersInKeyring(t *testing.T) {
	root := t.TempDir()
	alice, err := Open(root, "alice@example.com")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := Open(root, "bob@example.com")
	require.NoError(t, err)
	defer bob.Close()

	bobPub, err := bob.PublicKey()
	require.NoError(t, err)
	require.NoError(t, alice.AddPeer("bob@example.com", bobPub))

	armored, err := alice.Encrypt([]byte("shared note"))
	require.NoError(t, err)

	plain, err := bob.Decrypt(armored)
	require.NoError(t, err)
	require.Equal(t, "shared note", string(plain))
}

func mustPubKey(t *testing.T, root, user string) string {
	t.Helper()
	d, err := Open(root, user)
	require.NoError(t, err)
	defer d.Close()
	pub, err := d.PublicKey()
	require.NoError(t, err)
	return pub
}
