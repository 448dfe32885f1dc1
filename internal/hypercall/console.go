package hypercall

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Console is where guest output (fd 1, fd 2 and the serial hypercalls) ends
// up. Writes from different vCPUs are serialized.
type Console struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	buf    *bytes.Buffer
	file   *os.File
}

// NewConsole builds a console from a sink description: "stdio", "none",
// "buffer" or "file:<path>". The file is created and must not exist.
func NewConsole(sink string) (*Console, error) {
	switch {
	case sink == "" || sink == "stdio":
		return &Console{stdout: os.Stdout, stderr: os.Stderr}, nil
	case sink == "none":
		return &Console{stdout: io.Discard, stderr: io.Discard}, nil
	case sink == "buffer":
		buf := &bytes.Buffer{}
		return &Console{stdout: buf, stderr: buf, buf: buf}, nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		if path == "" {
			return nil, fmt.Errorf("hypercall: console file sink needs a path")
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, fmt.Errorf("hypercall: create console file: %w", err)
		}
		return &Console{stdout: f, stderr: f, file: f}, nil
	default:
		return nil, fmt.Errorf("hypercall: unknown console sink %q", sink)
	}
}

// NewConsoleWriter sends both guest streams to w.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{stdout: w, stderr: w}
}

type consoleStream struct {
	c *Console
	w io.Writer
}

func (s consoleStream) Write(p []byte) (int, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.w.Write(p)
}

// Stdout is the writer behind guest fd 1 and the serial hypercalls.
func (c *Console) Stdout() io.Writer { return consoleStream{c: c, w: c.stdout} }

// Stderr is the writer behind guest fd 2.
func (c *Console) Stderr() io.Writer { return consoleStream{c: c, w: c.stderr} }

// Buffered returns everything written so far to a "buffer" console.
func (c *Console) Buffered() string {
	if c.buf == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *Console) Close() error {
	if c.file == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.file.Close()
	c.file = nil
	return err
}
