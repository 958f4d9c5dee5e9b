package backends

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/gluk-w/portdash/internal/connerr"
)

// Result is the outcome of a connection test.
type Result struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	Transport string       `json:"transport,omitempty"`
	Endpoint  string       `json:"endpoint,omitempty"`
	ErrorKind connerr.Kind `json:"error_kind,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
}

// TestConnection connects to instance id and reports the outcome. It never
// returns an error; every failure, panics included, becomes an unsuccessful
// Result.
func (m *Manager) TestConnection(ctx context.Context, id uint) (res Result) {
	start := m.opts.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[backends] panic while testing instance %d: %v\n%s", id, r, debug.Stack())
			res = Result{Message: fmt.Sprintf("internal error: %v", r)}
		}
		res.LatencyMS = m.opts.Now().Sub(start).Milliseconds()
	}()

	h, err := m.GetClient(ctx, id)
	if err != nil {
		return failure(err)
	}
	defer h.Close()

	// shared connections were probed when built, maybe long ago
	if !h.fresh {
		if err := m.ping(ctx, h.Conn); err != nil {
			m.Invalidate(id)
			m.state.set(id, change{to: StateFailed, transport: h.Transport, err: err})
			return failure(err)
		}
	}

	return Result{
		Success:   true,
		Message:   fmt.Sprintf("Connected via %s (%s)", h.Transport, h.Endpoint),
		Transport: h.Transport,
		Endpoint:  h.Endpoint,
	}
}

func failure(err error) Result {
	return Result{Message: err.Error(), ErrorKind: connerr.KindOf(err)}
}
