package usb

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// ErrShortTransfer reports a truncated read on a transfer whose ShortIsError
// flag is set. A short transfer in that mode means the device and driver
// disagree about the protocol, not that a partial frame arrived.
var ErrShortTransfer = errors.New("short transfer: protocol desync")

// CompletionFunc receives the finished transfer and its classification. On
// success the filled buffer is t.Buffer; cancellation matches
// context.Canceled.
type CompletionFunc func(t *Transfer, err error)

// Transfer is one asynchronous bulk or control I/O operation against a
// device endpoint. A device may have at most one transfer outstanding; that
// is enforced by ownership, the submitting driver holds the handle and
// clears it in the completion callback.
type Transfer struct {
	conn     Conn
	endpoint uint8
	control  *ControlRequest

	// Buffer holds the transfer payload; after completion it is truncated
	// to the bytes actually transferred.
	Buffer []byte

	// ShortIsError promotes a truncated read to ErrShortTransfer.
	ShortIsError bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
	submitted bool
}

// NewBulkTransfer prepares an inbound or outbound bulk transfer of the given
// size. It does not submit.
func NewBulkTransfer(conn Conn, endpoint uint8, size int) *Transfer {
	return &Transfer{
		conn:     conn,
		endpoint: endpoint,
		Buffer:   make([]byte, size),
	}
}

// NewControlTransfer prepares a control transfer carrying buf.
func NewControlTransfer(conn Conn, req ControlRequest, buf []byte) *Transfer {
	r := req
	return &Transfer{
		conn:    conn,
		control: &r,
		Buffer:  buf,
	}
}

// Submit starts the transfer. Completion is delivered exactly once on a
// separate goroutine; cb runs with the buffer truncated to the transferred
// length. Cancelling ctx or calling Cancel makes cb observe an error
// matching context.Canceled.
func (t *Transfer) Submit(ctx context.Context, cb CompletionFunc) {
	t.mu.Lock()
	if t.submitted {
		t.mu.Unlock()
		panic("usb: transfer submitted twice")
	}
	t.submitted = true
	ctx, t.cancel = context.WithCancel(ctx)
	if t.cancelled {
		t.cancel()
	}
	t.mu.Unlock()

	goutils.PanicCapturingGo(func() {
		if err := ctx.Err(); err != nil {
			cb(t, err)
			return
		}
		var n int
		var err error
		if t.control != nil {
			n, err = t.conn.Control(ctx, *t.control, t.Buffer)
		} else {
			n, err = t.conn.Bulk(ctx, t.endpoint, t.Buffer)
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			cb(t, err)
			return
		}
		full := len(t.Buffer)
		t.Buffer = t.Buffer[:n]
		if t.ShortIsError && n < full {
			cb(t, errors.Wrapf(ErrShortTransfer, "got %d of %d bytes", n, full))
			return
		}
		cb(t, nil)
	})
}

// Cancel aborts the transfer. A cancel that lands before Submit is
// remembered: the eventual submission then performs no I/O and completes
// with a cancellation error. The completion callback still fires either
// way; callers must not assume the transfer is gone until then.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
