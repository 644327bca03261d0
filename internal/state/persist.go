package state

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// persistedState is the JSON shape of the "state" field of one
// persistedLine in a saved state file (spec.md §6, "Persisted state":
// `{"tag":...,"state":...}` lines).
type persistedState struct {
	ProxyType    wire.ProxyKind     `json:"proxy_type"`
	Fronts       []wire.Front       `json:"fronts"`
	Backends     []wire.Backend     `json:"backends"`
	Certificates []wire.Certificate `json:"certificates"`
}

type persistedLine struct {
	Tag   string         `json:"tag"`
	State persistedState `json:"state"`
}

// Save writes the store to path as one JSON line per listener tag,
// atomically: it writes to a sibling temp file and renames over path, so a
// crash mid-write never leaves a truncated or partially-written file
// (spec.md §4.2 "save(path): atomic write").
func (s *Store) Save(path string) error {
	dump := s.Dump()
	tags := make([]string, 0, len(dump))
	for tag := range dump {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var buf bytes.Buffer
	for _, tag := range tags {
		ls := dump[tag]
		line := persistedLine{
			Tag: tag,
			State: persistedState{
				ProxyType:    ls.ProxyType,
				Fronts:       sortedValues(ls.Fronts),
				Backends:     sortedBackendValues(ls.Backends),
				Certificates: sortedCertValues(ls.Certificates),
			},
		}
		encoded, err := wire.Marshal(line)
		if err != nil {
			return errs.Wrap(errs.IO, "encoding state line for tag "+tag, err)
		}
		buf.Write(encoded)
		buf.WriteByte('\n')
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return errs.Wrap(errs.IO, "creating temp state file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, "writing temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.IO, "syncing temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.IO, "closing temp state file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errs.Wrap(errs.IO, "renaming temp state file into place", err)
	}
	return nil
}

// Load replaces the store's contents by reading path's line-delimited
// format, tolerant of trailing whitespace (spec.md §6).
func (s *Store) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IO, "opening state file", err)
	}
	defer f.Close()

	listeners := make(map[string]*ListenerState)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var decoded persistedLine
		if err := wire.Unmarshal([]byte(line), &decoded); err != nil {
			return errs.Wrap(errs.Decode, "decoding state line", err)
		}
		ls := newListenerState(decoded.State.ProxyType)
		for _, front := range decoded.State.Fronts {
			ls.Fronts[front.Key()] = front
		}
		for _, backend := range decoded.State.Backends {
			ls.Backends[backend.Key()] = backend
		}
		for _, cert := range decoded.State.Certificates {
			ls.Certificates[cert.Key()] = cert
		}
		listeners[decoded.Tag] = ls
	}
	if err := scanner.Err(); err != nil {
		return errs.Wrap(errs.IO, "scanning state file", err)
	}

	s.Replace(listeners)
	return nil
}

func sortedValues(m map[string]wire.Front) []wire.Front {
	keys := sortedKeys(m)
	out := make([]wire.Front, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func sortedBackendValues(m map[string]wire.Backend) []wire.Backend {
	keys := sortedKeys(m)
	out := make([]wire.Backend, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

func sortedCertValues(m map[string]wire.Certificate) []wire.Certificate {
	keys := sortedKeys(m)
	out := make([]wire.Certificate, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
