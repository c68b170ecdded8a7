package fastcgi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrConnClosed signals that the peer closed the stream before a complete
// record header arrived. The reader does not know whether requests are
// still live; the session treats it as a clean close when none are, and as
// an unexpected EOF when some are.
var ErrConnClosed = errors.New("fastcgi: connection closed")

// reader is the connection reader (C2): pulls a stream of complete records
// off one TCP socket, buffering until a full frame is available.
type reader struct {
	br          *bufio.Reader
	conn        net.Conn
	readTimeout time.Duration
}

func newReader(conn net.Conn, readTimeout time.Duration) *reader {
	return &reader{br: bufio.NewReaderSize(conn, 4096), conn: conn, readTimeout: readTimeout}
}

// readNextRecord reads one complete record, peeking the header first so a
// record spanning several TCP reads is reassembled transparently. It returns
// the total number of wire bytes consumed (header + content + padding)
// alongside the decoded record.
func (r *reader) readNextRecord() (Record, int, error) {
	if r.readTimeout > 0 {
		r.conn.SetReadDeadline(time.Now().Add(r.readTimeout))
	}

	head, err := r.br.Peek(HeaderLen)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, 0, ErrConnClosed
		}
		return Record{}, 0, &TransportError{Err: err}
	}

	header, err := DecodeHeader(head)
	if err != nil {
		return Record{}, 0, err
	}

	total := HeaderLen + int(header.ContentLength) + int(header.PaddingLength)
	frame := make([]byte, total)
	if _, err := io.ReadFull(r.br, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, 0, &TransportError{Err: fmt.Errorf("unexpected eof mid-record: %w", err)}
		}
		return Record{}, 0, &TransportError{Err: err}
	}

	return Record{Header: header, Content: frame[HeaderLen : HeaderLen+int(header.ContentLength)]}, total, nil
}

// writer is the connection writer (C3): serializes output records onto the
// socket with a single-writer mutex. It never splits payloads; callers (the
// request state machine) are responsible for chunking to MaxContentLength.
type writer struct {
	mu           sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
	broken       bool
}

func newWriter(conn net.Conn, writeTimeout time.Duration) *writer {
	return &writer{conn: conn, writeTimeout: writeTimeout}
}

func (w *writer) writeRecord(typ uint8, requestID uint16, content []byte) (int, error) {
	if len(content) > MaxContentLength {
		return 0, &ProtocolError{Kind: BodyTooLarge, Detail: fmt.Sprintf("%d bytes", len(content))}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return 0, &TransportError{Err: errors.New("session already broken")}
	}

	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}

	rec := NewRecord(typ, requestID, content)
	encoded := rec.Encode()
	if _, err := w.conn.Write(encoded); err != nil {
		w.broken = true
		return 0, &TransportError{Err: err}
	}
	return len(encoded), nil
}
