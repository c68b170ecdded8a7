package fastcgi

import (
	"log"
	"net"
	"strconv"
	"time"
)

// Well-known FCGI_GET_VALUES names, per the Open Market spec and spec.md §9's
// open question on GET_VALUES_RESULT content.
const (
	nameMaxConns  = "FCGI_MAX_CONNS"
	nameMaxReqs   = "FCGI_MAX_REQS"
	nameMpxsConns = "FCGI_MPXS_CONNS"
)

// session owns one TCP socket (C5): it pulls records off the wire (C2),
// dispatches them to the matching request's state machine (C4) by
// request-id, and serializes replies back out (C3). Management records
// (request_id = 0) are handled inline.
type session struct {
	conn      net.Conn
	r         *reader
	w         *writer
	responder Responder
	hooks     Hooks

	maxConns int // reported in GET_VALUES_RESULT

	requests map[uint16]*request
	// keepConn is the logical AND of every BEGIN_REQUEST's KEEP_CONN flag
	// seen so far - spec.md §9's open question, resolved this way: a
	// connection only survives its last live request if every request that
	// has run on it asked to keep it open.
	keepConn bool

	id string // opaque session identity passed to Hooks
}

func newSession(conn net.Conn, responder Responder, hooks Hooks, readTimeout, writeTimeout time.Duration, maxConns int, id string) *session {
	return &session{
		conn:      conn,
		r:         newReader(conn, readTimeout),
		w:         newWriter(conn, writeTimeout),
		responder: responder,
		hooks:     hooks,
		maxConns:  maxConns,
		requests:  make(map[uint16]*request),
		keepConn:  true,
		id:        id,
	}
}

// run is the session's read loop; it returns when the connection ends,
// cleanly or otherwise.
func (s *session) run() {
	defer s.teardown()
	s.hooks.ConnectionOpened(s.id)

	for {
		rec, n, err := s.r.readNextRecord()
		if err != nil {
			if err == ErrConnClosed {
				if len(s.requests) > 0 {
					log.Printf("fastcgi: session: unexpected eof with %d live request(s)", len(s.requests))
				}
				return
			}
			// TransportError or ProtocolError: fatal to the session.
			if pe, ok := err.(*ProtocolError); ok {
				s.hooks.ProtocolErrorSeen(s.id, pe.Kind)
				log.Printf("fastcgi: session: %v", pe)
			} else {
				log.Printf("fastcgi: session: %v", err)
			}
			return
		}
		s.hooks.BytesIn(s.id, n)
		s.hooks.RecordReceived(s.id, rec.Header.Type)

		if rec.Header.RequestID == NullRequestID {
			s.handleManagement(rec)
			continue
		}

		if rec.Header.Type == TypeBeginRequest {
			s.handleBeginRequest(rec)
			if len(s.requests) == 0 && !s.keepConn {
				return
			}
			continue
		}

		req, live := s.requests[rec.Header.RequestID]
		if !live {
			// Any record other than BEGIN_REQUEST for an id with no live
			// request is logged and discarded (spec.md §4.4).
			log.Printf("fastcgi: session: record type %d for unknown request %d, discarded", rec.Header.Type, rec.Header.RequestID)
			continue
		}

		if s.dispatch(req, rec) {
			delete(s.requests, req.id)
			if len(s.requests) == 0 && !s.keepConn {
				return
			}
		}
	}
}

// handleBeginRequest creates a new request, unless the request-id is
// already live on this session, in which case the new id is answered with
// CANT_MPX_CONN and the existing request is left untouched.
func (s *session) handleBeginRequest(rec Record) {
	id := rec.Header.RequestID
	if _, live := s.requests[id]; live {
		s.hooks.ProtocolErrorSeen(s.id, DuplicateRequestID)
		body := EndRequestBody{AppStatus: 0, ProtocolStatus: StatusCantMultiplex}
		if n, err := s.w.writeRecord(TypeEndRequest, id, body.Encode()); err == nil {
			s.hooks.BytesOut(s.id, n)
		}
		return
	}

	begin, err := DecodeBeginRequestBody(rec.Content)
	if err != nil {
		log.Printf("fastcgi: session: bad BEGIN_REQUEST: %v", err)
		return
	}

	req := newRequest(s, id, begin)
	s.keepConn = s.keepConn && begin.KeepConn()

	if req.closed() {
		// Unknown role: newRequest already answered UNKNOWN_ROLE inline and
		// there is nothing to track; the caller's run loop re-checks
		// s.keepConn against the (possibly now-empty) request map itself.
		return
	}
	s.requests[id] = req
}

// dispatch routes one record to a live request's state machine. It returns
// true if the request reached CLOSED and should be removed from the map.
func (s *session) dispatch(req *request, rec Record) bool {
	switch rec.Header.Type {
	case TypeParams:
		req.handleParams(rec.Content)
	case TypeStdin:
		if req.handleStdin(rec.Content) {
			req.serve()
		}
	case TypeAbortRequest:
		req.handleAbort()
	case TypeData:
		// FILTER role only; Responder-only support means DATA is ignored.
	default:
		log.Printf("fastcgi: session: unexpected record type %d for request %d, discarded", rec.Header.Type, req.id)
	}
	return req.closed()
}

// handleManagement answers request_id=0 records inline: GET_VALUES gets a
// GET_VALUES_RESULT (see SPEC_FULL.md's supplemented reply content); any
// other management type gets UNKNOWN_TYPE.
func (s *session) handleManagement(rec Record) {
	switch rec.Header.Type {
	case TypeGetValues:
		s.handleGetValues(rec.Content)
	default:
		content := []byte{rec.Header.Type, 0, 0, 0, 0, 0, 0, 0}
		if n, err := s.w.writeRecord(TypeUnknownType, NullRequestID, content); err == nil {
			s.hooks.BytesOut(s.id, n)
		}
	}
}

func (s *session) handleGetValues(content []byte) {
	asked, err := DecodeNameValuePairs(content)
	if err != nil {
		log.Printf("fastcgi: session: bad GET_VALUES: %v", err)
		return
	}

	var reply []NameValue
	for _, pair := range asked {
		switch pair.Name {
		case nameMaxConns:
			reply = append(reply, NameValue{Name: nameMaxConns, Value: strconv.Itoa(s.maxConns)})
		case nameMaxReqs:
			reply = append(reply, NameValue{Name: nameMaxReqs, Value: strconv.Itoa(s.maxConns)})
		case nameMpxsConns:
			reply = append(reply, NameValue{Name: nameMpxsConns, Value: "1"})
		}
	}

	n, err := s.w.writeRecord(TypeGetValuesResult, NullRequestID, EncodeParams(reply))
	if err != nil {
		log.Printf("fastcgi: session: write GET_VALUES_RESULT: %v", err)
		return
	}
	s.hooks.BytesOut(s.id, n)
}

// teardown cancels every still-live request without emitting END_REQUEST
// (spec.md §5, "Session teardown on socket close cancels all live requests
// without emitting END_REQUEST") and closes the socket.
func (s *session) teardown() {
	s.conn.Close()
	s.requests = nil
	s.hooks.ConnectionClosed(s.id)
}

