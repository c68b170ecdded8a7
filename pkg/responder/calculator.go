// Package responder implements a small demo fastcgi.Responder: a
// calculator that reads an operation and two operands from QUERY_STRING
// and writes the result as its reply body, grounded on the teacher's
// Handler/HandlerFunc idiom (pkg/fastcgi/handler.go) and its worker demo
// pages under examples/.
package responder

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/fcgid/fcgid/pkg/fastcgi"
)

// Calculator is a fastcgi.Responder over a hot-reloadable set of enabled
// operations. Disabled operations answer with a 400-equivalent body rather
// than a FastCGI-protocol error - protocol failures and application
// failures are different things (spec.md §7).
type Calculator struct {
	mu          sync.RWMutex
	enabledOps  map[string]func(a, b float64) (float64, error)
}

var allOps = map[string]func(a, b float64) (float64, error){
	"add": func(a, b float64) (float64, error) { return a + b, nil },
	"sub": func(a, b float64) (float64, error) { return a - b, nil },
	"mul": func(a, b float64) (float64, error) { return a * b, nil },
	"div": func(a, b float64) (float64, error) {
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	},
}

// New creates a Calculator with ops enabled.
func New(ops []string) *Calculator {
	c := &Calculator{enabledOps: make(map[string]func(a, b float64) (float64, error))}
	c.SetEnabledOps(ops)
	return c
}

// SetEnabledOps replaces the set of allowed operations. Unknown op names
// are ignored. Safe to call while Serve is handling requests on other
// goroutines concurrently - sessions run synchronously, but a Calculator
// may be shared by many sessions at once.
func (c *Calculator) SetEnabledOps(ops []string) {
	enabled := make(map[string]func(a, b float64) (float64, error), len(ops))
	for _, name := range ops {
		if fn, ok := allOps[name]; ok {
			enabled[name] = fn
		}
	}
	c.mu.Lock()
	c.enabledOps = enabled
	c.mu.Unlock()
}

// EnabledOps returns the currently enabled operation names, sorted.
func (c *Calculator) EnabledOps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.enabledOps))
	for name := range c.enabledOps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve implements fastcgi.Responder. It expects QUERY_STRING of the form
// op=add&a=1&b=2 and writes the decimal result (or an error message) to
// stdout, terminating with app_status 0 on success and 1 on any input or
// evaluation error.
func (c *Calculator) Serve(w fastcgi.ResponseWriter, params map[string]string, stdin []byte) {
	values, err := url.ParseQuery(params["QUERY_STRING"])
	if err != nil {
		w.WriteStdout([]byte("bad query string\n"))
		w.End(1)
		return
	}

	opName := values.Get("op")
	c.mu.RLock()
	fn, ok := c.enabledOps[opName]
	c.mu.RUnlock()
	if !ok {
		w.WriteStdout([]byte(fmt.Sprintf("unknown or disabled operation %q\n", opName)))
		w.End(1)
		return
	}

	a, errA := strconv.ParseFloat(values.Get("a"), 64)
	b, errB := strconv.ParseFloat(values.Get("b"), 64)
	if errA != nil || errB != nil {
		w.WriteStdout([]byte("a and b must be numbers\n"))
		w.End(1)
		return
	}

	result, err := fn(a, b)
	if err != nil {
		w.WriteStderr([]byte(err.Error() + "\n"))
		w.WriteStdout([]byte(err.Error() + "\n"))
		w.End(1)
		return
	}

	w.WriteStdout([]byte(strconv.FormatFloat(result, 'g', -1, 64) + "\n"))
	w.End(0)
}
