package fastcgi

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

// echoResponder is a minimal Responder used only by these tests: it writes
// a fixed reply and ends the request. Mirrors the bundled demo calculator's
// shape without pulling in pkg/responder.
type echoResponder struct{ reply []byte }

func (e echoResponder) Serve(w ResponseWriter, params map[string]string, stdin []byte) {
	w.WriteStdout(e.reply)
	w.End(0)
}

// fcgiClient is a tiny test-only FastCGI client used to drive the server
// the way an upstream web server would.
type fcgiClient struct {
	conn net.Conn
	w    *writer
	r    *reader
}

func newFcgiClient(conn net.Conn) *fcgiClient {
	return &fcgiClient{conn: conn, w: newWriter(conn, 5*time.Second), r: newReader(conn, 5*time.Second)}
}

func (c *fcgiClient) beginRequest(id uint16, role uint16, keepConn bool) {
	var flags uint8
	if keepConn {
		flags = FlagKeepConn
	}
	body := BeginRequestBody{Role: role, Flags: flags}
	c.w.writeRecord(TypeBeginRequest, id, body.Encode())
}

func (c *fcgiClient) sendParams(id uint16, pairs []NameValue) {
	c.w.writeRecord(TypeParams, id, EncodeParams(pairs))
}

func (c *fcgiClient) endParams(id uint16) { c.w.writeRecord(TypeParams, id, nil) }

func (c *fcgiClient) sendStdin(id uint16, data []byte) {
	c.w.writeRecord(TypeStdin, id, data)
}

func (c *fcgiClient) endStdin(id uint16) { c.w.writeRecord(TypeStdin, id, nil) }

func (c *fcgiClient) abort(id uint16) { c.w.writeRecord(TypeAbortRequest, id, nil) }

// collectUntilEnd reads records for the given request id until END_REQUEST,
// returning the concatenated stdout and the end-request body.
func (c *fcgiClient) collectUntilEnd(id uint16) ([]byte, EndRequestBody, []Record, error) {
	var stdout bytes.Buffer
	var all []Record
	for {
		rec, _, err := c.r.readNextRecord()
		if err != nil {
			return stdout.Bytes(), EndRequestBody{}, all, err
		}
		all = append(all, rec)
		if rec.Header.RequestID != id {
			continue
		}
		switch rec.Header.Type {
		case TypeStdout:
			stdout.Write(rec.Content)
		case TypeEndRequest:
			end, _ := DecodeEndRequestBody(rec.Content)
			return stdout.Bytes(), end, all, nil
		}
	}
}

func startTestServer(t *testing.T, responder Responder) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), responder, nil)
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

// TestSingleRequestNoKeepAlive is scenario S1.
func TestSingleRequestNoKeepAlive(t *testing.T) {
	_, addr := startTestServer(t, echoResponder{reply: []byte("hello")})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newFcgiClient(conn)

	c.beginRequest(1, RoleResponder, false)
	c.sendParams(1, []NameValue{{Name: "REQUEST_URI", Value: "/"}})
	c.endParams(1)
	c.endStdin(1)

	stdout, end, _, err := c.collectUntilEnd(1)
	if err != nil {
		t.Fatalf("collectUntilEnd: %v", err)
	}
	if string(stdout) != "hello" {
		t.Errorf("stdout = %q, want %q", stdout, "hello")
	}
	if end.ProtocolStatus != StatusRequestComplete || end.AppStatus != 0 {
		t.Errorf("end = %+v", end)
	}

	// The session must close the socket since KEEP_CONN was not set.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection close, got more data")
	}
}

// TestKeepAliveTwoSequentialRequests is scenario S2.
func TestKeepAliveTwoSequentialRequests(t *testing.T) {
	_, addr := startTestServer(t, echoResponder{reply: []byte("ok")})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newFcgiClient(conn)

	for _, id := range []uint16{1, 2} {
		c.beginRequest(id, RoleResponder, true)
		c.sendParams(id, []NameValue{{Name: "REQUEST_URI", Value: "/"}})
		c.endParams(id)
		c.endStdin(id)

		stdout, end, _, err := c.collectUntilEnd(id)
		if err != nil {
			t.Fatalf("collectUntilEnd(%d): %v", id, err)
		}
		if string(stdout) != "ok" {
			t.Errorf("id %d: stdout = %q", id, stdout)
		}
		if end.ProtocolStatus != StatusRequestComplete {
			t.Errorf("id %d: end = %+v", id, end)
		}
	}
}

// TestMultiplexedRequests is scenario S3.
func TestMultiplexedRequests(t *testing.T) {
	_, addr := startTestServer(t, echoResponder{reply: []byte("mux")})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newFcgiClient(conn)

	c.beginRequest(1, RoleResponder, true)
	c.beginRequest(2, RoleResponder, false)
	c.sendParams(1, []NameValue{{Name: "A", Value: "1"}})
	c.sendParams(2, []NameValue{{Name: "B", Value: "2"}})
	c.endParams(1)
	c.endParams(2)
	c.endStdin(1)
	c.endStdin(2)

	seen := map[uint16]bool{}
	for i := 0; i < 2; i++ {
		var id uint16 = 1
		if i == 1 {
			id = 2
		}
		_, end, _, err := c.collectUntilEnd(id)
		if err != nil {
			t.Fatalf("collectUntilEnd(%d): %v", id, err)
		}
		if end.ProtocolStatus != StatusRequestComplete {
			t.Errorf("id %d: end = %+v", id, end)
		}
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("seen = %v, want both ids answered", seen)
	}
}

// TestAbortRequest is scenario S4.
func TestAbortRequest(t *testing.T) {
	blocked := make(chan struct{})
	responder := ResponderFunc(func(w ResponseWriter, params map[string]string, stdin []byte) {
		// Never reached: ABORT_REQUEST ends the request before STDIN
		// completes, so the responder must not be invoked.
		close(blocked)
		w.End(0)
	})
	_, addr := startTestServer(t, responder)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newFcgiClient(conn)

	c.beginRequest(1, RoleResponder, false)
	c.sendParams(1, []NameValue{{Name: "A", Value: "1"}})
	c.abort(1)

	stdout, end, _, err := c.collectUntilEnd(1)
	if err != nil {
		t.Fatalf("collectUntilEnd: %v", err)
	}
	if len(stdout) != 0 {
		t.Errorf("stdout = %q, want empty", stdout)
	}
	if end.AppStatus != 0 || end.ProtocolStatus != StatusRequestComplete {
		t.Errorf("end = %+v", end)
	}
	select {
	case <-blocked:
		t.Error("responder was invoked after abort")
	default:
	}
}

// TestUnsupportedRole is scenario S5.
func TestUnsupportedRole(t *testing.T) {
	_, addr := startTestServer(t, echoResponder{reply: []byte("unreachable")})

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newFcgiClient(conn)

	c.beginRequest(1, RoleAuthorizer, false)

	stdout, end, _, err := c.collectUntilEnd(1)
	if err != nil {
		t.Fatalf("collectUntilEnd: %v", err)
	}
	if len(stdout) != 0 {
		t.Errorf("stdout = %q, want empty", stdout)
	}
	if end.ProtocolStatus != StatusUnknownRole {
		t.Errorf("ProtocolStatus = %d, want %d", end.ProtocolStatus, StatusUnknownRole)
	}
}

// TestLargeStdout is scenario S6: a responder writing 200000 bytes must be
// split into >= 4 STDOUT records of at most 65535 bytes each, terminated by
// a zero-length STDOUT, followed by END_REQUEST.
func TestLargeStdout(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 200000)
	responder := ResponderFunc(func(w ResponseWriter, params map[string]string, stdin []byte) {
		w.WriteStdout(payload)
		w.End(0)
	})
	_, addr := startTestServer(t, responder)

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := newFcgiClient(conn)

	c.beginRequest(1, RoleResponder, false)
	c.endParams(1)
	c.endStdin(1)

	stdout, end, all, err := c.collectUntilEnd(1)
	if err != nil {
		t.Fatalf("collectUntilEnd: %v", err)
	}
	if !bytes.Equal(stdout, payload) {
		t.Errorf("stdout length = %d, want %d", len(stdout), len(payload))
	}
	if end.ProtocolStatus != StatusRequestComplete {
		t.Errorf("end = %+v", end)
	}

	var stdoutRecords int
	for _, rec := range all {
		if rec.Header.Type == TypeStdout {
			stdoutRecords++
			if rec.Header.ContentLength > MaxContentLength {
				t.Errorf("stdout record content length %d exceeds cap", rec.Header.ContentLength)
			}
		}
	}
	if stdoutRecords < 4 {
		t.Errorf("stdoutRecords = %d, want >= 4", stdoutRecords)
	}
}

func TestServerShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), echoResponder{reply: []byte("x")}, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
