package fastcgi

import (
	"encoding/binary"
)

// maxNVLength bounds an individual name or value length, per spec.md §9
// ("Name-value length cap") — tighter than the wire's 31-bit field, chosen to
// bound per-session memory.
const maxNVLength = MaxContentLength

// NameValue is a single decoded FastCGI name-value pair.
type NameValue struct {
	Name  string
	Value string
}

// EncodeNameValue appends the wire encoding of one pair to dst and returns
// the extended slice. Each length field independently uses the 1-byte form
// when it fits in 7 bits, otherwise the 4-byte high-bit-set form.
func EncodeNameValue(dst []byte, name, value string) []byte {
	dst = appendNVLength(dst, len(name))
	dst = appendNVLength(dst, len(value))
	dst = append(dst, name...)
	dst = append(dst, value...)
	return dst
}

func appendNVLength(dst []byte, n int) []byte {
	if n < 128 {
		return append(dst, byte(n))
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n)|0x80000000)
	return append(dst, b[:]...)
}

// EncodeParams encodes an ordered slice of pairs into a single PARAMS body.
func EncodeParams(pairs []NameValue) []byte {
	var buf []byte
	for _, p := range pairs {
		buf = EncodeNameValue(buf, p.Name, p.Value)
	}
	return buf
}

// DecodeNameValuePairs decodes a full buffer of concatenated name-value
// pairs (e.g. one or more accumulated PARAMS record bodies) into an ordered
// sequence, last-write-wins is left to the caller (map assignment order).
func DecodeNameValuePairs(data []byte) ([]NameValue, error) {
	var pairs []NameValue
	pos := 0
	for pos < len(data) {
		nameLen, n, err := decodeNVLength(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		valueLen, n, err := decodeNVLength(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n

		if nameLen > maxNVLength || valueLen > maxNVLength {
			return nil, &ProtocolError{Kind: BadNVLength, Detail: "length exceeds cap"}
		}
		if pos+nameLen+valueLen > len(data) {
			return nil, &ProtocolError{Kind: BadNVLength, Detail: "length exceeds buffer"}
		}

		name := string(data[pos : pos+nameLen])
		pos += nameLen
		value := string(data[pos : pos+valueLen])
		pos += valueLen

		pairs = append(pairs, NameValue{Name: name, Value: value})
	}
	return pairs, nil
}

// decodeNVLength decodes one length field (1 or 4 bytes) per §3's
// high-bit-discriminator scheme.
func decodeNVLength(data []byte) (length int, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, &ProtocolError{Kind: BadNVLength, Detail: "truncated length field"}
	}
	if data[0]&0x80 == 0 {
		return int(data[0]), 1, nil
	}
	if len(data) < 4 {
		return 0, 0, &ProtocolError{Kind: BadNVLength, Detail: "truncated 4-byte length field"}
	}
	length = int(binary.BigEndian.Uint32(data[0:4]) & 0x7fffffff)
	return length, 4, nil
}

// ParamsMap folds an ordered pair sequence into a map, last write wins on
// duplicate names as required by the Request.params invariant in spec §3.
func ParamsMap(pairs []NameValue) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		m[p.Name] = p.Value
	}
	return m
}
