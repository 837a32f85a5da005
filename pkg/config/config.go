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

package config

// Keys of the settings the gateway reads from its YAML overlay. CLI
// flags (see flags.go) take precedence over these when both are set.
const (
	KeysyncURL    = "keysync_url"
	RemoteAddr    = "remote_addr"
	MaildirRoot   = "maildir_root"
	CertFile      = "cert_file"
	KeyFile       = "key_file"
	HTTPWorkers   = "http_workers"
	MaxLiteral    = "max_literal"
	StatsInterval = "stats_interval_seconds"
)

// Settings is the gateway's resolved configuration: CLI flags layered
// over a YAML overlay file, with built-in defaults filled in for
// anything neither source specifies.
type Settings struct {
	kvs *keyValueStore
}

// Load reads overlayPath (which may be empty, meaning "no overlay file,
// defaults only") and fills in built-in defaults for anything unset.
func Load(overlayPath string) *Settings {
	kvs := newKeyValueStore(overlayPath)
	kvs.setDefault(MaildirRoot, "/var/lib/citm/maildir")
	kvs.setDefault(HTTPWorkers, "4")
	kvs.setDefault(MaxLiteral, "33554432") // 32 MiB, matches imapreader.DefaultMaxLiteral
	kvs.setDefault(StatsInterval, "60")
	return &Settings{kvs: kvs}
}

func (s *Settings) Get(key string) string     { return s.kvs.Get(key) }
func (s *Settings) GetInt(key string) int     { return s.kvs.GetInt(key) }
func (s *Settings) GetBool(key string) bool   { return s.kvs.GetBool(key) }

// Override sets key to value, letting CLI flags win over the YAML
// overlay without mutating the overlay file on disk.
func (s *Settings) Override(key, value string) {
	if value == "" {
		return
	}
	s.kvs.set(key, value)
}
