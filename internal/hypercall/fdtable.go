package hypercall

import (
	"errors"
	"os"
	"sync"
)

// firstGuestFD is the lowest descriptor handed out by open; 0-2 are the
// console streams.
const firstGuestFD = 3

// fdTable maps guest descriptors to the host files they name. Guest numbers
// are allocated here and never alias a host descriptor, and all I/O goes
// through the *os.File so a concurrent close cannot redirect it.
type fdTable struct {
	mu    sync.Mutex
	files map[int32]*os.File
	next  int32
}

func newFDTable() *fdTable {
	return &fdTable{files: make(map[int32]*os.File), next: firstGuestFD}
}

func isStdio(fd int32) bool { return fd >= 0 && fd <= 2 }

// add registers f under the lowest free guest descriptor.
func (t *fdTable) add(f *os.File) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	for {
		if _, used := t.files[fd]; !used {
			break
		}
		fd++
	}
	t.files[fd] = f
	t.next = fd + 1
	return fd
}

func (t *fdTable) get(fd int32) (*os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

// remove drops fd from the table and returns the file it named.
func (t *fdTable) remove(fd int32) (*os.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	if !ok {
		return nil, false
	}
	delete(t.files, fd)
	if fd < t.next {
		t.next = fd
	}
	return f, true
}

// closeAll closes every descriptor the guest left open.
func (t *fdTable) closeAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for fd, f := range t.files {
		errs = append(errs, f.Close())
		delete(t.files, fd)
	}
	t.next = firstGuestFD
	return errors.Join(errs...)
}

func (t *fdTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}
