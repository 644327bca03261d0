// Package wire defines the payload shapes exchanged on the admin socket and
// the worker control channel (spec.md §3, §6). Serialization goes through
// goccy/go-json, a drop-in encoding/json replacement — spec.md §1 scopes the
// serializer itself out ("we specify payload shapes, not serializer
// internals"), so this module is free to pick the faster codec the rest of
// the teacher's dependency tree already pulls in via gin.
package wire

import gojson "github.com/goccy/go-json"

// Marshal encodes v the same way encoding/json would.
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal decodes data into v the same way encoding/json would.
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}
