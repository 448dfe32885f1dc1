// Package pcap writes classic libpcap capture files.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// Magic marks a little endian file with microsecond timestamps.
	Magic uint32 = 0xa1b2c3d4

	// LinkTypeEthernet is the DLT value for Ethernet II frames.
	LinkTypeEthernet uint32 = 1

	// DefaultSnapLen keeps whole frames for any MTU a guest may use.
	DefaultSnapLen uint32 = 65535
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("pcap: writer closed")

// Writer appends records to a capture stream. It is safe for concurrent
// use; records are never interleaved.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	closed  bool
}

// NewWriter writes the 24-byte file header to out and returns a writer for
// the records that follow.
func NewWriter(out io.Writer, snapLen, linkType uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen}, nil
}

// WriteFrame records frame as seen at ts. Frames longer than the snap
// length are truncated but keep their original length in the record.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	capLen := min(len(frame), int(w.snapLen))

	var rec [16]byte
	if !ts.IsZero() {
		binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	}
	binary.LittleEndian.PutUint32(rec[8:12], uint32(capLen))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if capLen == 0 {
		return nil
	}
	if _, err := w.w.Write(frame[:capLen]); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	return nil
}

// Close stops the writer and closes the underlying stream when it is an
// io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
