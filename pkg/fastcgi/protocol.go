// Package fastcgi implements the server side of the FastCGI application
// protocol: record framing, per-connection multiplexing of concurrent
// requests by request id, and a pluggable Responder for the Responder role.
package fastcgi

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants, bit-exact with the FastCGI 1.0 specification.
const (
	Version1 uint8 = 1

	HeaderLen        = 8
	MaxContentLength = 65535

	TypeBeginRequest    uint8 = 1
	TypeAbortRequest    uint8 = 2
	TypeEndRequest      uint8 = 3
	TypeParams          uint8 = 4
	TypeStdin           uint8 = 5
	TypeStdout          uint8 = 6
	TypeStderr          uint8 = 7
	TypeData            uint8 = 8
	TypeGetValues       uint8 = 9
	TypeGetValuesResult uint8 = 10
	TypeUnknownType     uint8 = 11

	RoleResponder  uint16 = 1
	RoleAuthorizer uint16 = 2
	RoleFilter     uint16 = 3

	FlagKeepConn uint8 = 0x01

	StatusRequestComplete uint8 = 0
	StatusCantMultiplex   uint8 = 1
	StatusOverloaded      uint8 = 2
	StatusUnknownRole     uint8 = 3

	// NullRequestID marks management records (request_id = 0).
	NullRequestID uint16 = 0
)

// Header is the fixed 8-byte record header.
type Header struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Encode writes the header's wire representation into buf, which must be
// at least HeaderLen bytes.
func (h Header) Encode(buf []byte) {
	buf[0] = h.Version
	buf[1] = h.Type
	binary.BigEndian.PutUint16(buf[2:4], h.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], h.ContentLength)
	buf[6] = h.PaddingLength
	buf[7] = h.Reserved
}

// DecodeHeader decodes the 8-byte header at the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("fastcgi: short header: %d bytes", len(buf))
	}
	h := Header{
		Version:       buf[0],
		Type:          buf[1],
		RequestID:     binary.BigEndian.Uint16(buf[2:4]),
		ContentLength: binary.BigEndian.Uint16(buf[4:6]),
		PaddingLength: buf[6],
		Reserved:      buf[7],
	}
	if h.Version != Version1 {
		return Header{}, &ProtocolError{Kind: BadVersion, Detail: fmt.Sprintf("version %d", h.Version)}
	}
	return h, nil
}

// Record is one complete framed unit: header plus content, padding dropped.
type Record struct {
	Header  Header
	Content []byte
}

// NewRecord builds an outbound record with zero padding; content must not
// exceed MaxContentLength (callers split larger payloads themselves, see
// writeStream in request.go).
func NewRecord(typ uint8, requestID uint16, content []byte) Record {
	return Record{
		Header: Header{
			Version:       Version1,
			Type:          typ,
			RequestID:     requestID,
			ContentLength: uint16(len(content)),
		},
		Content: content,
	}
}

// Encode returns the wire bytes for the record: header, content, no padding.
func (r Record) Encode() []byte {
	out := make([]byte, HeaderLen+len(r.Content))
	r.Header.Encode(out[:HeaderLen])
	copy(out[HeaderLen:], r.Content)
	return out
}

// BeginRequestBody is the content of a BEGIN_REQUEST record.
type BeginRequestBody struct {
	Role  uint16
	Flags uint8
}

func (b BeginRequestBody) KeepConn() bool {
	return b.Flags&FlagKeepConn != 0
}

// DecodeBeginRequestBody parses the 8-byte BEGIN_REQUEST body.
func DecodeBeginRequestBody(content []byte) (BeginRequestBody, error) {
	if len(content) < 8 {
		return BeginRequestBody{}, fmt.Errorf("fastcgi: short BEGIN_REQUEST body: %d bytes", len(content))
	}
	return BeginRequestBody{
		Role:  binary.BigEndian.Uint16(content[0:2]),
		Flags: content[2],
	}, nil
}

func (b BeginRequestBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], b.Role)
	buf[2] = b.Flags
	return buf
}

// EndRequestBody is the content of an END_REQUEST record.
type EndRequestBody struct {
	AppStatus      uint32
	ProtocolStatus uint8
}

func (e EndRequestBody) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], e.AppStatus)
	buf[4] = e.ProtocolStatus
	return buf
}

func DecodeEndRequestBody(content []byte) (EndRequestBody, error) {
	if len(content) < 8 {
		return EndRequestBody{}, fmt.Errorf("fastcgi: short END_REQUEST body: %d bytes", len(content))
	}
	return EndRequestBody{
		AppStatus:      binary.BigEndian.Uint32(content[0:4]),
		ProtocolStatus: content[4],
	}, nil
}
