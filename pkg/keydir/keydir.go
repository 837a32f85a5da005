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

// Package keydir is the "keydir" collaborator: the opaque per-user key
// material and peer-list capability the preuser stage opens and the
// user stage then owns for the rest of that user's lifetime. Key pairs
// are ProtonMail/gopenpgp keys; the directory itself (this device's
// keypair plus the list of trusted peer public keys) is persisted in a
// bbolt file under the maildir root, matching the "black box per-user
// directory" persisted-state contract.
package keydir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	bolt "go.etcd.io/bbolt"
)

var bucketPeers = []byte("peers")
var bucketSelf = []byte("self")
var keySelfPriv = []byte("private_key")

// Dir is the capability object the preuser stage opens and the user
// stage subsequently owns: sign, verify, list peers, rotate.
type Dir interface {
	// Sign produces a detached armored signature over data using this
	// device's private key.
	Sign(data []byte) (string, error)
	// Verify checks an armored detached signature from peerAddr against
	// data, using that peer's trusted public key.
	Verify(peerAddr string, data []byte, armoredSig string) error
	// Peers lists the trusted peer addresses currently known.
	Peers() ([]string, error)
	// AddPeer records a newly trusted peer's armored public key.
	AddPeer(addr, armoredPubKey string) error
	// RemovePeer discards a peer's key, used when a peer entry learned via
	// keysync fails the self-attestation check AddPeer alone can't make
	// (AddPeer only validates that the armored blob parses as a key).
	RemovePeer(addr string) error
	// Rotate generates a fresh keypair for this device, retaining the
	// peer list, and returns the new armored public key for keysync to
	// upload.
	Rotate() (armoredPubKey string, err error)
	// PublicKey returns this device's current armored public key.
	PublicKey() (string, error)
	// Encrypt produces an armored PGP message readable by this device and
	// every trusted peer (so any of the user's devices can later decrypt
	// mail this one stored), the mail-at-rest envelope the user stage
	// wraps message bodies in.
	Encrypt(plain []byte) (armored string, err error)
	// Decrypt reverses Encrypt using this device's own private key.
	Decrypt(armored string) ([]byte, error)
	// Close releases the underlying storage handle.
	Close() error
}

type dir struct {
	db   *bolt.DB
	mu   sync.Mutex
	priv *crypto.Key
}

// Open opens (creating if absent) the key directory for user under root,
// e.g. root/alice@example.com/keys.bbolt. If no keypair exists yet, one
// is generated immediately so PublicKey is always usable.
func Open(root, user string) (Dir, error) {
	path := filepath.Join(root, user, "keys.bbolt")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("keydir: create %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("keydir: open %s: %w", path, err)
	}

	d := &dir{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSelf); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPeers); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	priv, err := d.loadOrGenerateSelf(user)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d.priv = priv
	return d, nil
}

func (d *dir) loadOrGenerateSelf(user string) (*crypto.Key, error) {
	var armored string
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSelf).Get(keySelfPriv)
		if v != nil {
			armored = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if armored != "" {
		return crypto.NewKeyFromArmored(armored)
	}

	key, err := crypto.GenerateKey(user, user, "rsa", 2048)
	if err != nil {
		return nil, fmt.Errorf("keydir: generate key: %w", err)
	}
	out, err := key.Armor()
	if err != nil {
		return nil, err
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSelf).Put(keySelfPriv, []byte(out))
	}); err != nil {
		return nil, err
	}
	return key, nil
}

func (d *dir) Sign(data []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kr, err := crypto.NewKeyRing(d.priv)
	if err != nil {
		return "", err
	}
	msg := crypto.NewPlainMessage(data)
	sig, err := kr.SignDetached(msg)
	if err != nil {
		return "", err
	}
	return sig.GetArmored()
}

func (d *dir) Verify(peerAddr string, data []byte, armoredSig string) error {
	armoredPub, err := d.peerKey(peerAddr)
	if err != nil {
		return err
	}
	pub, err := crypto.NewKeyFromArmored(armoredPub)
	if err != nil {
		return err
	}
	kr, err := crypto.NewKeyRing(pub)
	if err != nil {
		return err
	}
	sig, err := crypto.NewPGPSignatureFromArmored(armoredSig)
	if err != nil {
		return err
	}
	return kr.VerifyDetached(crypto.NewPlainMessage(data), sig, crypto.GetUnixTime())
}

func (d *dir) peerKey(addr string) (string, error) {
	var armored string
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPeers).Get([]byte(addr))
		if v == nil {
			return fmt.Errorf("keydir: no trusted key for peer %q", addr)
		}
		armored = string(v)
		return nil
	})
	return armored, err
}

// Encrypt builds a keyring of this device's own public key plus every
// trusted peer's, so ciphertext produced here is readable from any of
// the user's devices without a second round of re-encryption on sync.
func (d *dir) Encrypt(plain []byte) (string, error) {
	d.mu.Lock()
	ownPub, err := d.priv.GetArmoredPublicKey()
	d.mu.Unlock()
	if err != nil {
		return "", err
	}

	keys := []string{ownPub}
	peers, err := d.Peers()
	if err != nil {
		return "", err
	}
	for _, addr := range peers {
		pub, err := d.peerKey(addr)
		if err != nil {
			return "", err
		}
		keys = append(keys, pub)
	}

	var kr *crypto.KeyRing
	for _, armored := range keys {
		k, err := crypto.NewKeyFromArmored(armored)
		if err != nil {
			return "", fmt.Errorf("keydir: invalid recipient key: %w", err)
		}
		if kr == nil {
			kr, err = crypto.NewKeyRing(k)
		} else {
			err = kr.AddKey(k)
		}
		if err != nil {
			return "", err
		}
	}

	msg, err := kr.Encrypt(crypto.NewPlainMessage(plain), nil)
	if err != nil {
		return "", fmt.Errorf("keydir: encrypt: %w", err)
	}
	return msg.GetArmored()
}

// Decrypt reverses Encrypt with this device's own private key.
func (d *dir) Decrypt(armored string) ([]byte, error) {
	d.mu.Lock()
	priv := d.priv
	d.mu.Unlock()

	kr, err := crypto.NewKeyRing(priv)
	if err != nil {
		return nil, err
	}
	msg, err := crypto.NewPGPMessageFromArmored(armored)
	if err != nil {
		return nil, fmt.Errorf("keydir: parse ciphertext: %w", err)
	}
	plain, err := kr.Decrypt(msg, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("keydir: decrypt: %w", err)
	}
	return plain.GetBinary(), nil
}

func (d *dir) Peers() ([]string, error) {
	var peers []string
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, _ []byte) error {
			peers = append(peers, string(k))
			return nil
		})
	})
	return peers, err
}

func (d *dir) AddPeer(addr, armoredPubKey string) error {
	if _, err := crypto.NewKeyFromArmored(armoredPubKey); err != nil {
		return fmt.Errorf("keydir: invalid public key for %q: %w", addr, err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(addr), []byte(armoredPubKey))
	})
}

func (d *dir) RemovePeer(addr string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(addr))
	})
}

func (d *dir) Rotate() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, err := crypto.GenerateKey(d.priv.GetFingerprint(), d.priv.GetFingerprint(), "rsa", 2048)
	if err != nil {
		return "", fmt.Errorf("keydir: rotate: %w", err)
	}
	armored, err := key.Armor()
	if err != nil {
		return "", err
	}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSelf).Put(keySelfPriv, []byte(armored))
	}); err != nil {
		return "", err
	}
	d.priv = key

	pub, err := key.GetArmoredPublicKey()
	if err != nil {
		return "", err
	}
	return pub, nil
}

func (d *dir) PublicKey() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.priv.GetArmoredPublicKey()
}

func (d *dir) Close() error {
	return d.db.Close()
}
