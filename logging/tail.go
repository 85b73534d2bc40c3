package logging

import (
	"sync"

	"github.com/smallnest/ringbuffer"
)

// Tail keeps the last bytes written to it, dropping the oldest output when
// full.
type Tail struct {
	mtx     sync.Mutex
	rb      *ringbuffer.RingBuffer
	size    int
	scratch []byte
}

func NewTail(size int) *Tail {
	return &Tail{
		rb:   ringbuffer.New(size),
		size: size,
	}
}

func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n > t.size {
		p = p[n-t.size:]
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	if need := len(p) - t.rb.Free(); need > 0 {
		if cap(t.scratch) < need {
			t.scratch = make([]byte, need)
		}
		t.rb.Read(t.scratch[:need])
	}
	if _, err := t.rb.Write(p); err != nil {
		return 0, err
	}
	return n, nil
}

// Snapshot returns a copy of the buffered output, oldest first.
func (t *Tail) Snapshot() []byte {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	n := t.rb.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	t.rb.Read(buf)
	t.rb.Write(buf)
	return buf
}
