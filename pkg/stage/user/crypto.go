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
	"bytes"
	"io/ioutil"

	"github.com/emersion/go-message"

	"github.com/ljanyst/citm/pkg/citmerr"
	"github.com/ljanyst/citm/pkg/keydir"
)

// envelopeContentType marks a literal body this gateway encrypted. It is
// private wire framing between this package and pkg/keydir — no other
// component interprets message bytes.
const envelopeContentType = "application/x-citm-envelope"

// encryptEnvelope wraps plain in a single-part MIME entity carrying the
// armored ciphertext kd.Encrypt produced, the format an APPEND uploads
// upstream in place of the client's original literal.
func encryptEnvelope(kd keydir.Dir, plain []byte) ([]byte, error) {
	armored, err := kd.Encrypt(plain)
	if err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "user: encrypt message body")
	}

	var h message.Header
	h.Set("Content-Type", envelopeContentType)
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "user: build envelope")
	}
	if _, err := w.Write([]byte(armored)); err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "user: write envelope")
	}
	if err := w.Close(); err != nil {
		return nil, citmerr.Wrap(citmerr.ErrInternal, err, "user: close envelope")
	}
	return buf.Bytes(), nil
}

// decryptEnvelope reverses encryptEnvelope, reporting "text/plain" as the
// content type of the plaintext. A literal that isn't one of this
// gateway's envelopes (legacy mail stored before this device ever saw
// it, or a non-mail system message) passes through unchanged with a nil
// error; the content type returned is then the literal's own, or
// "text/plain" when it does not parse as MIME.
func decryptEnvelope(kd keydir.Dir, raw []byte) (plain []byte, contentType string, err error) {
	e, rerr := message.Read(bytes.NewReader(raw))
	if rerr != nil {
		return raw, "text/plain", nil
	}
	ct, _, _ := e.Header.ContentType()
	if ct != envelopeContentType {
		return raw, ct, nil
	}

	armored, rerr := ioutil.ReadAll(e.Body)
	if rerr != nil {
		return nil, "", citmerr.Wrap(citmerr.ErrInternal, rerr, "user: read envelope body")
	}
	out, derr := kd.Decrypt(string(armored))
	if derr != nil {
		return nil, "", citmerr.Wrap(citmerr.ErrInternal, derr, "user: decrypt envelope")
	}
	return out, "text/plain", nil
}
