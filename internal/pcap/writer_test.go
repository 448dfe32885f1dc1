package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestWriterProducesExpectedStream(t *testing.T) {
	var buf bytes.Buffer
	const snapLen = 512
	writer, err := NewWriter(&buf, snapLen, LinkTypeEthernet)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	payload := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	if err := writer.WriteFrame(ts, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	got := buf.Bytes()
	wantLen := 24 + 16 + len(payload)
	if len(got) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(got))
	}

	global := got[:24]
	if magic := binary.LittleEndian.Uint32(global[0:4]); magic != Magic {
		t.Fatalf("unexpected magic %#x", magic)
	}
	if major := binary.LittleEndian.Uint16(global[4:6]); major != 2 {
		t.Fatalf("unexpected major version %d", major)
	}
	if minor := binary.LittleEndian.Uint16(global[6:8]); minor != 4 {
		t.Fatalf("unexpected minor version %d", minor)
	}
	if snap := binary.LittleEndian.Uint32(global[16:20]); snap != snapLen {
		t.Fatalf("unexpected snaplen %d", snap)
	}
	if link := binary.LittleEndian.Uint32(global[20:24]); link != LinkTypeEthernet {
		t.Fatalf("unexpected linktype %d", link)
	}

	record := got[24 : 24+16]
	if sec := binary.LittleEndian.Uint32(record[0:4]); sec != uint32(ts.Unix()) {
		t.Fatalf("unexpected timestamp seconds %d", sec)
	}
	if usec := binary.LittleEndian.Uint32(record[4:8]); usec != 250_000 {
		t.Fatalf("unexpected timestamp microseconds %d", usec)
	}
	if capLen := binary.LittleEndian.Uint32(record[8:12]); capLen != uint32(len(payload)) {
		t.Fatalf("unexpected caplen %d", capLen)
	}
	if !bytes.Equal(got[24+16:], payload) {
		t.Fatalf("payload mismatch: got %x, want %x", got[24+16:], payload)
	}
}

func TestWriteFrameTruncatesToSnapLen(t *testing.T) {
	var buf bytes.Buffer
	writer, err := NewWriter(&buf, 8, LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteFrame(time.Time{}, bytes.Repeat([]byte{1}, 20)); err != nil {
		t.Fatal(err)
	}

	got := buf.Bytes()
	if len(got) != 24+16+8 {
		t.Fatalf("stream is %d bytes", len(got))
	}
	rec := got[24:40]
	if capLen, origLen := binary.LittleEndian.Uint32(rec[8:12]), binary.LittleEndian.Uint32(rec[12:16]); capLen != 8 || origLen != 20 {
		t.Fatalf("caplen %d origlen %d", capLen, origLen)
	}
	if sec := binary.LittleEndian.Uint32(rec[0:4]); sec != 0 {
		t.Fatalf("zero time encoded as %d", sec)
	}
}

func TestDefaultSnapLen(t *testing.T) {
	var buf bytes.Buffer
	if _, err := NewWriter(&buf, 0, LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	if snap := binary.LittleEndian.Uint32(buf.Bytes()[16:20]); snap != DefaultSnapLen {
		t.Fatalf("snaplen = %d", snap)
	}
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestClose(t *testing.T) {
	out := &closeRecorder{}
	writer, err := NewWriter(out, 0, LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	if out.closed != 1 {
		t.Fatalf("underlying stream closed %d times", out.closed)
	}
	if err := writer.WriteFrame(time.Now(), []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close = %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestNewWriterReportsHeaderError(t *testing.T) {
	if _, err := NewWriter(failingWriter{}, 0, LinkTypeEthernet); err == nil {
		t.Fatal("expected header write error")
	}
}
