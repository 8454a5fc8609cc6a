package conditional

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// readBounded reads r in chunkSize pieces until EOF or until maxBytes would be
// exceeded. On overflow it keeps only the remaining allowance of the last chunk
// and reports truncated.
func readBounded(r io.Reader, maxBytes int64, chunkSize int) ([]byte, bool, error) {
	initial := int64(chunkSize)
	if initial > maxBytes {
		initial = maxBytes
	}
	buf := make([]byte, 0, initial)
	chunk := make([]byte, chunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if int64(len(buf))+int64(n) > maxBytes {
				remaining := maxBytes - int64(len(buf))
				if remaining > 0 {
					buf = append(buf, chunk[:remaining]...)
				}
				return buf, true, nil
			}
			buf = append(buf, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return buf, false, nil
		}
		if err != nil {
			return buf, false, err
		}
	}
}

// idleReader cancels the request when no bytes arrive for the read timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
	once    sync.Once
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.once.Do(func() {
		ir.timer.Stop()
	})
}

func (ir *idleReader) expired() bool {
	return ir.fired.Load()
}
