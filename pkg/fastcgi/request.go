package fastcgi

import (
	"log"
	"time"
)

// requestState is the per-request state machine of spec.md §4.4.
type requestState int

const (
	stateParams requestState = iota
	stateStdin
	stateResponding
	stateClosed
)

// request is one instance of the state machine per (session, request-id).
// It holds a non-owning reference back to its session for writes; the
// session outlives every request it owns (spec.md §9, "Cyclic ownership").
type request struct {
	id       uint16
	role     uint16
	keepConn bool
	state    requestState

	paramsRaw      []byte
	params         map[string]string
	paramsComplete bool

	stdin          []byte
	stdinComplete  bool
	stdoutEnded    bool
	ended          bool
	startedAt      time.Time

	sess *session
}

// newRequest handles the INIT state's transitions inline: a RESPONDER role
// begins the PARAMS state; any other role ends immediately with
// UNKNOWN_ROLE, per spec.md's state diagram ("INIT --BEGIN_REQUEST(role≠1)-->
// end with protocol_status=UNKNOWN_ROLE → CLOSED").
func newRequest(sess *session, id uint16, begin BeginRequestBody) *request {
	r := &request{
		id:        id,
		role:      begin.Role,
		keepConn:  begin.KeepConn(),
		sess:      sess,
		startedAt: time.Now(),
	}
	sess.hooks.RequestStarted(sess.id, id)
	if begin.Role != RoleResponder {
		r.state = stateClosed
		r.endRequest(0, StatusUnknownRole)
		return r
	}
	r.state = stateParams
	return r
}

// closed reports whether this request has reached the CLOSED state and
// should be removed from the session's request map.
func (r *request) closed() bool { return r.state == stateClosed }

// handleParams processes one PARAMS record's content.
func (r *request) handleParams(content []byte) {
	if r.state != stateParams {
		log.Printf("fastcgi: request %d: unexpected PARAMS in state %d, discarded", r.id, r.state)
		return
	}
	if len(content) == 0 {
		pairs, err := DecodeNameValuePairs(r.paramsRaw)
		if err != nil {
			log.Printf("fastcgi: request %d: bad params: %v", r.id, err)
			r.endRequest(0, StatusRequestComplete)
			return
		}
		r.params = ParamsMap(pairs)
		r.paramsComplete = true
		r.state = stateStdin
		return
	}
	r.paramsRaw = append(r.paramsRaw, content...)
}

// handleStdin processes one STDIN record's content. The caller (session)
// invokes the Responder synchronously once stdin completes, honouring
// spec.md §5's "while it runs, no further inbound records for that session
// are read".
func (r *request) handleStdin(content []byte) (dispatch bool) {
	if r.state != stateStdin {
		log.Printf("fastcgi: request %d: unexpected STDIN in state %d, discarded", r.id, r.state)
		return false
	}
	if len(content) == 0 {
		r.stdinComplete = true
		r.state = stateResponding
		return true
	}
	r.stdin = append(r.stdin, content...)
	return false
}

// handleAbort answers ABORT_REQUEST promptly with a completed END_REQUEST,
// regardless of the request's current state.
func (r *request) handleAbort() {
	if r.state == stateClosed {
		return
	}
	r.endRequest(0, StatusRequestComplete)
}

// serve invokes the Responder, recovering from a panic as a ResponderFailure
// per spec.md §7.
func (r *request) serve() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("fastcgi: request %d: responder panicked: %v", r.id, rec)
			if !r.ended {
				r.endRequest(0, StatusOverloaded)
			}
		}
	}()
	r.sess.responder.Serve(r, r.params, r.stdin)
	if !r.ended {
		// A Responder must call End, but a misbehaving one that returns
		// without doing so still must not leave the request id live forever.
		log.Printf("fastcgi: request %d: responder returned without calling End", r.id)
		r.endRequest(0, StatusRequestComplete)
	}
}

// WriteStdout implements ResponseWriter.
func (r *request) WriteStdout(data []byte) error {
	return r.writeStream(TypeStdout, data)
}

// WriteStderr implements ResponseWriter.
func (r *request) WriteStderr(data []byte) error {
	return r.writeStream(TypeStderr, data)
}

func (r *request) writeStream(typ uint8, data []byte) error {
	if r.ended {
		return nil
	}
	for len(data) > 0 {
		chunk := data
		if len(chunk) > MaxContentLength {
			chunk = chunk[:MaxContentLength]
		}
		n, err := r.sess.w.writeRecord(typ, r.id, chunk)
		if err != nil {
			return err
		}
		r.sess.hooks.BytesOut(r.sess.id, n)
		data = data[len(chunk):]
	}
	return nil
}

// End implements ResponseWriter.
func (r *request) End(appStatus uint32) {
	if r.ended {
		return
	}
	r.endRequest(appStatus, StatusRequestComplete)
}

// endRequest emits the stdout terminator (if responding had begun) and the
// END_REQUEST record, then transitions to CLOSED.
func (r *request) endRequest(appStatus uint32, protocolStatus uint8) {
	if r.ended {
		return
	}
	r.ended = true
	if r.state == stateResponding && !r.stdoutEnded {
		r.stdoutEnded = true
		if n, err := r.sess.w.writeRecord(TypeStdout, r.id, nil); err != nil {
			log.Printf("fastcgi: request %d: write stdout terminator: %v", r.id, err)
		} else {
			r.sess.hooks.BytesOut(r.sess.id, n)
		}
	}
	body := EndRequestBody{AppStatus: appStatus, ProtocolStatus: protocolStatus}
	n, err := r.sess.w.writeRecord(TypeEndRequest, r.id, body.Encode())
	if err != nil {
		log.Printf("fastcgi: request %d: write end request: %v", r.id, err)
	} else {
		r.sess.hooks.BytesOut(r.sess.id, n)
	}
	r.state = stateClosed
	r.sess.hooks.RequestEnded(r.sess.id, r.id, protocolStatus, time.Since(r.startedAt))
}
