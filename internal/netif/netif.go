// Package netif provides the host side of the guest's network hypercalls.
package netif

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
)

// DefaultMTU is the layer 3 MTU offered to the guest.
const DefaultMTU = 1500

const ethernetHeaderLen = 14

var ErrClosed = errors.New("netif: backend closed")

// Backend moves Ethernet frames between the guest and the host. Send must
// not retain frame. Recv never blocks and returns 0 when nothing is queued.
type Backend interface {
	MAC() net.HardwareAddr
	MTU() int
	Send(frame []byte) error
	Recv(buf []byte) (int, error)
	Pending() int
	Close() error
}

// RandomMAC returns a locally administered unicast address.
func RandomMAC() (net.HardwareAddr, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, fmt.Errorf("netif: generate mac: %w", err)
	}
	mac[0] = mac[0]&^0x01 | 0x02
	return mac, nil
}

// frameQueue buffers frames headed to the guest until it polls for them.
// When full the newest frame is dropped, like a NIC out of descriptors.
type frameQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	limit   int
	dropped uint64
	closed  bool
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{limit: limit}
}

func (q *frameQueue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.frames) >= q.limit {
		q.dropped++
		return false
	}
	q.frames = append(q.frames, frame)
	return true
}

// pop copies the oldest frame into buf. Frames longer than buf are
// truncated.
func (q *frameQueue) pop(buf []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	if len(q.frames) == 0 {
		return 0, nil
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return copy(buf, f), nil
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
}
