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
	"github.com/vmihailenco/msgpack/v5"
)

// registerRequest is POSTed to /key/register. The wire format is msgpack
// rather than JSON: it is the teacher's own choice of compact binary
// codec for small structured payloads (see go.mod), and a keysync
// round trip happens on every login, so the smaller encoding is worth
// having.
type registerRequest struct {
	User      string `msgpack:"user"`
	PublicKey string `msgpack:"public_key"`
	// Signature is this device's own signature over PublicKey, proof of
	// possession of the private half so the keysync directory (and every
	// peer that later downloads this entry) can catch a bogus key it
	// never held the private part of, rather than trusting it outright.
	Signature string `msgpack:"signature"`
}

// peerEntry is one trusted peer device as reported by /key/peers.
type peerEntry struct {
	Addr      string `msgpack:"addr"`
	PublicKey string `msgpack:"public_key"`
	Signature string `msgpack:"signature"`
}

type peersResponse struct {
	Peers []peerEntry `msgpack:"peers"`
}

func encodeRegister(user, pubKey, sig string) ([]byte, error) {
	return msgpack.Marshal(&registerRequest{User: user, PublicKey: pubKey, Signature: sig})
}

func decodePeers(body []byte) ([]peerEntry, error) {
	var resp peersResponse
	if len(body) == 0 {
		return nil, nil
	}
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
