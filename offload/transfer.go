package offload

import (
	"sync"

	"github.com/pkg/errors"
)

// Transfer is a future for a data transfer, created by BufferTracker.Submit and BufferTracker.Retrieve.
//
// In the synchronous regime it is returned already completed. Await can be called any number of times,
// from any goroutine.
type Transfer struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newTransfer() *Transfer {
	return &Transfer{done: make(chan struct{})}
}

// completedTransfer returns a Transfer already finished with err.
func completedTransfer(err error) *Transfer {
	t := newTransfer()
	t.complete(err)
	return t
}

func (t *Transfer) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Await blocks until the transfer is finished and returns its error, if any.
func (t *Transfer) Await() error {
	if t == nil {
		return errors.New("Transfer is nil -- was it returned together with an error?")
	}
	<-t.done
	return t.err
}

// Done returns a channel that is closed when the transfer finishes.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// IsDone returns whether the transfer finished, without blocking.
func (t *Transfer) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
