package gdb

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/ukvm/internal/hv"
)

// maxPacketSize is announced in qSupported (as hex) and bounds incoming
// packets.
const maxPacketSize = 0x4000

const interruptByte = 0x03

type event struct {
	packet    string
	interrupt bool
	err       error
}

// wire frames packets as $data#checksum and handles acknowledgements.
type wire struct {
	r *bufio.Reader
	w io.Writer

	mu   sync.Mutex
	last []byte

	noAck atomic.Bool
}

func newWire(rw io.ReadWriter) *wire {
	return &wire{r: bufio.NewReader(rw), w: rw}
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", hv.ErrDebugProtocol, fmt.Sprintf(format, args...))
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

func needsEscape(b byte) bool {
	return b == '#' || b == '$' || b == '}' || b == '*'
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if needsEscape(b) {
			out = append(out, '}', b^0x20)
			continue
		}
		out = append(out, b)
	}
	return out
}

func unescape(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] != '}' {
			out = append(out, data[i])
			continue
		}
		i++
		if i == len(data) {
			return nil, protocolError("packet ends in escape character")
		}
		out = append(out, data[i]^0x20)
	}
	return out, nil
}

// encodePacket returns the framed form of data.
func encodePacket(data string) []byte {
	body := escape([]byte(data))
	out := make([]byte, 0, len(body)+4)
	out = append(out, '$')
	out = append(out, body...)
	out = append(out, '#')
	return append(out, hex.EncodeToString([]byte{checksum(body)})...)
}

func (w *wire) send(data string) error {
	pkt := encodePacket(data)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = pkt
	if _, err := w.w.Write(pkt); err != nil {
		return fmt.Errorf("%w: write: %w", hv.ErrDebugProtocol, err)
	}
	return nil
}

func (w *wire) writeRaw(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("%w: write: %w", hv.ErrDebugProtocol, err)
	}
	return nil
}

func (w *wire) retransmit() error {
	w.mu.Lock()
	pkt := w.last
	w.mu.Unlock()
	if pkt == nil {
		return nil
	}
	return w.writeRaw(pkt)
}

// next blocks until the debugger sends a packet or an interrupt.
func (w *wire) next() (event, error) {
	for {
		b, err := w.r.ReadByte()
		if err != nil {
			return event{}, fmt.Errorf("%w: read: %w", hv.ErrDebugProtocol, err)
		}
		switch b {
		case '+':
		case '-':
			if err := w.retransmit(); err != nil {
				return event{}, err
			}
		case interruptByte:
			return event{interrupt: true}, nil
		case '$':
			pkt, ok, err := w.readPacket()
			if err != nil {
				return event{}, err
			}
			if ok {
				return event{packet: pkt}, nil
			}
		default:
			// Noise between packets is ignored.
		}
	}
}

// readPacket reads the rest of a packet after '$'. ok is false when the
// checksum did not match and a retransmission was requested.
func (w *wire) readPacket() (string, bool, error) {
	var body []byte
	for {
		b, err := w.r.ReadByte()
		if err != nil {
			return "", false, fmt.Errorf("%w: read: %w", hv.ErrDebugProtocol, err)
		}
		if b == '#' {
			break
		}
		if b == '$' {
			return "", false, protocolError("packet start inside packet")
		}
		if len(body) >= 2*maxPacketSize {
			return "", false, protocolError("packet longer than %d bytes", 2*maxPacketSize)
		}
		body = append(body, b)
	}

	var sum [2]byte
	if _, err := io.ReadFull(w.r, sum[:]); err != nil {
		return "", false, fmt.Errorf("%w: read checksum: %w", hv.ErrDebugProtocol, err)
	}
	want, err := hex.DecodeString(string(sum[:]))
	if err != nil {
		return "", false, protocolError("malformed checksum %q", sum[:])
	}

	if checksum(body) != want[0] {
		if w.noAck.Load() {
			return "", false, nil
		}
		return "", false, w.writeRaw([]byte{'-'})
	}
	if !w.noAck.Load() {
		if err := w.writeRaw([]byte{'+'}); err != nil {
			return "", false, err
		}
	}

	data, err := unescape(body)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}
