package hypercall

import (
	"context"
	"io"
	"sync"
)

const stdinChunk = 4096

// stdinPump reads the guest's standard input on its own goroutine. A vCPU
// waiting for input selects on the pump and its context, so stopping the VM
// never waits for the host to type something.
type stdinPump struct {
	r     io.Reader
	start sync.Once

	// turn is held by the vCPU currently reading; pending belongs to it.
	turn    chan struct{}
	pending []byte

	data chan []byte
	// err is set before data is closed.
	err error

	done      chan struct{}
	closeOnce sync.Once
}

func newStdinPump(r io.Reader) *stdinPump {
	return &stdinPump{
		r:    r,
		turn: make(chan struct{}, 1),
		data: make(chan []byte),
		done: make(chan struct{}),
	}
}

func (p *stdinPump) loop() {
	defer close(p.data)
	for {
		buf := make([]byte, stdinChunk)
		n, err := p.r.Read(buf)
		if n > 0 {
			select {
			case p.data <- buf[:n]:
			case <-p.done:
				p.err = io.EOF
				return
			}
		}
		if err != nil {
			p.err = err
			return
		}
	}
}

// Read copies buffered or newly arrived input into buf. It returns the
// context's cause when ctx ends first and io.EOF once the input is drained.
func (p *stdinPump) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return 0, context.Cause(ctx)
	}
	defer func() { <-p.turn }()

	if len(p.pending) == 0 {
		p.start.Do(func() { go p.loop() })
		select {
		case chunk, ok := <-p.data:
			if !ok {
				return 0, p.err
			}
			p.pending = chunk
		case <-p.done:
			return 0, io.EOF
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		}
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Close stops handing out input. A host read already in progress finishes
// in the background.
func (p *stdinPump) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
