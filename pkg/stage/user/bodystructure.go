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
	"io"
	"io/ioutil"
	"sort"
	"strings"

	"github.com/emersion/go-message"

	"github.com/ljanyst/citm/pkg/imapreader"
)

// buildBodyStructure parses plain as a MIME message and renders its
// FETCH BODYSTRUCTURE form (RFC 3501 7.4.2), recursing into multipart
// entities. The stored literal is a full message (the client's original
// APPEND payload, decrypted), so BODYSTRUCTURE has to be derived from it
// directly rather than copied from the envelope's own single-part,
// opaque wrapper shape.
func buildBodyStructure(plain []byte) (imapreader.Field, error) {
	e, err := message.Read(bytes.NewReader(plain))
	if err != nil {
		return imapreader.Field{}, err
	}
	return buildEntityStructure(e)
}

func buildEntityStructure(e *message.Entity) (imapreader.Field, error) {
	mediaType, params, _ := e.Header.ContentType()
	typ, subtype := splitMediaType(mediaType)

	if mr := e.MultipartReader(); mr != nil {
		var parts []imapreader.Field
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return imapreader.Field{}, err
			}
			pf, err := buildEntityStructure(part)
			if err != nil {
				return imapreader.Field{}, err
			}
			parts = append(parts, pf)
		}
		parts = append(parts, atomField(strings.ToUpper(subtype)))
		return imapreader.Field{Kind: imapreader.FieldList, List: parts}, nil
	}

	body, err := ioutil.ReadAll(e.Body)
	if err != nil {
		return imapreader.Field{}, err
	}

	encoding := e.Header.Get("Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7BIT"
	}

	list := []imapreader.Field{
		atomField(strings.ToUpper(typ)),
		atomField(strings.ToUpper(subtype)),
		paramListField(params),
		nilOrAtom(e.Header.Get("Content-Id")),
		nilOrAtom(e.Header.Get("Content-Description")),
		atomField(strings.ToUpper(encoding)),
		numberField(len(body)),
	}
	if strings.EqualFold(typ, "text") {
		list = append(list, numberField(countLines(body)))
	}
	return imapreader.Field{Kind: imapreader.FieldList, List: list}, nil
}

func splitMediaType(mediaType string) (typ, subtype string) {
	if mediaType == "" {
		return "text", "plain"
	}
	parts := strings.SplitN(mediaType, "/", 2)
	if len(parts) != 2 {
		return parts[0], "plain"
	}
	return parts[0], parts[1]
}

func atomField(s string) imapreader.Field {
	return imapreader.Field{Kind: imapreader.FieldAtom, Atom: s}
}

func numberField(n int) imapreader.Field {
	return imapreader.Field{Kind: imapreader.FieldNumber, Number: uint32(n)}
}

func nilOrAtom(s string) imapreader.Field {
	if s == "" {
		return imapreader.Field{Kind: imapreader.FieldNil}
	}
	return atomField(s)
}

func paramListField(params map[string]string) imapreader.Field {
	if len(params) == 0 {
		return imapreader.Field{Kind: imapreader.FieldNil}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]imapreader.Field, 0, len(keys)*2)
	for _, k := range keys {
		list = append(list, atomField(strings.ToUpper(k)), atomField(params[k]))
	}
	return imapreader.Field{Kind: imapreader.FieldList, List: list}
}

func countLines(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	return bytes.Count(body, []byte("\n")) + 1
}
