package netif

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tinyrange/ukvm/internal/pcap"
)

// Capture records every frame crossing a backend in libpcap format.
type Capture struct {
	Backend

	pw  *pcap.Writer
	now func() time.Time

	mu  sync.Mutex
	err error
}

// NewCapture wraps b and writes the pcap file header to w. If w is an
// io.Closer it is closed together with the backend.
func NewCapture(b Backend, w io.Writer) (*Capture, error) {
	pw, err := pcap.NewWriter(w, pcap.DefaultSnapLen, pcap.LinkTypeEthernet)
	if err != nil {
		return nil, fmt.Errorf("netif: start capture: %w", err)
	}
	return &Capture{Backend: b, pw: pw, now: time.Now}, nil
}

// record appends one frame. After the first write error capture stops
// silently; the guest's traffic is never affected.
func (c *Capture) record(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = c.pw.WriteFrame(c.now(), frame)
}

func (c *Capture) Send(frame []byte) error {
	c.record(frame)
	return c.Backend.Send(frame)
}

func (c *Capture) Recv(buf []byte) (int, error) {
	n, err := c.Backend.Recv(buf)
	if n > 0 {
		c.record(buf[:n])
	}
	return n, err
}

// Err reports the error that stopped the capture, if any.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Capture) Close() error {
	err := c.Backend.Close()
	if cerr := c.pw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
