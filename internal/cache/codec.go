package cache

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Cached responses are stored as a versioned length-prefixed triple of
// (status, headers, body) so the shared cache stays readable across
// process upgrades.
const codecVersion = 1

// EncodeResponse serializes a response for the shared store.
func EncodeResponse(status int, headers map[string]string, body []byte) []byte {
	size := 1 + 4 + 4
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
		size += 8 + len(k) + len(headers[k])
	}
	sort.Strings(keys)
	size += 4 + len(body)

	buf := make([]byte, 0, size)
	buf = append(buf, codecVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(status))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(headers[k])))
		buf = append(buf, headers[k]...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	return buf
}

// DecodeResponse inverts EncodeResponse.
func DecodeResponse(data []byte) (status int, headers map[string]string, body []byte, err error) {
	fail := func() (int, map[string]string, []byte, error) {
		return 0, nil, nil, fmt.Errorf("malformed cached response")
	}
	if len(data) < 9 || data[0] != codecVersion {
		return fail()
	}
	pos := 1
	readUint := func() (uint32, bool) {
		if pos+4 > len(data) {
			return 0, false
		}
		v := binary.BigEndian.Uint32(data[pos:])
		pos += 4
		return v, true
	}
	readBytes := func() ([]byte, bool) {
		n, ok := readUint()
		if !ok || pos+int(n) > len(data) {
			return nil, false
		}
		b := data[pos : pos+int(n)]
		pos += int(n)
		return b, true
	}

	statusVal, ok := readUint()
	if !ok {
		return fail()
	}
	nHeaders, ok := readUint()
	if !ok {
		return fail()
	}
	headers = make(map[string]string, nHeaders)
	for range nHeaders {
		k, ok := readBytes()
		if !ok {
			return fail()
		}
		v, ok := readBytes()
		if !ok {
			return fail()
		}
		headers[string(k)] = string(v)
	}
	body, ok = readBytes()
	if !ok || pos != len(data) {
		return fail()
	}
	return int(statusVal), headers, body, nil
}
