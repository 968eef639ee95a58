package cache

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Reserved key prefixes in the shared store.
const (
	ResponsePrefix = "k:"
	BindPrefix     = "bind|"
)

// Signature is the decoded form of a canonical request signature.
type Signature struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Query   string            `json:"params"`
	Body    []byte            `json:"body,omitempty"`
}

// EncodeSignature builds the canonical request signature:
// method \0 path \0 header_lines \0 query \0 body, where header_lines joins
// "k:v" pairs in key-sorted order with \x01. The encoding is bijective as
// long as no NUL appears in the path, query or header values and no \x01
// in header keys or values.
func EncodeSignature(method, path string, headers map[string]string, query string, body []byte) []byte {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + ":" + headers[k]
	}
	return bytes.Join([][]byte{
		[]byte(strings.ToUpper(method)),
		[]byte(path),
		[]byte(strings.Join(lines, "\x01")),
		[]byte(query),
		body,
	}, []byte{0})
}

// DecodeSignature inverts EncodeSignature. The body segment may itself
// contain NUL bytes; everything after the fourth separator belongs to it.
func DecodeSignature(data []byte) (*Signature, error) {
	parts := bytes.SplitN(data, []byte{0}, 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("malformed request signature")
	}
	sig := &Signature{
		Method:  string(parts[0]),
		Path:    string(parts[1]),
		Headers: map[string]string{},
		Query:   string(parts[3]),
		Body:    parts[4],
	}
	if len(parts[2]) > 0 {
		for _, line := range strings.Split(string(parts[2]), "\x01") {
			k, v, ok := strings.Cut(line, ":")
			if !ok {
				return nil, fmt.Errorf("malformed header line in signature")
			}
			sig.Headers[k] = v
		}
	}
	return sig, nil
}

// MakeKey hashes arbitrary data into a response-cache key: "k:" plus the
// hex form of an 8-byte blake2b digest.
func MakeKey(data []byte) string {
	digest, _ := blake2b.New(8, nil)
	digest.Write(data)
	return ResponsePrefix + hex.EncodeToString(digest.Sum(nil))
}
