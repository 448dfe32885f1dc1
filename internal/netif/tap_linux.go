//go:build linux

package netif

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Tap bridges the guest onto a host TAP device. The device must already
// exist or the process needs CAP_NET_ADMIN to create it.
type Tap struct {
	log  *slog.Logger
	name string
	mac  net.HardwareAddr
	file *os.File
	rx   *frameQueue
	done chan struct{}
}

// OpenTap attaches to the TAP interface name. A nil mac picks a random one
// for the guest.
func OpenTap(name string, mac net.HardwareAddr, logger *slog.Logger) (*Tap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mac == nil {
		var err error
		if mac, err = RandomMAC(); err != nil {
			return nil, err
		}
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("netif: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netif: tap name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netif: attach tap %q: %w", name, err)
	}

	t := &Tap{
		log:  logger,
		name: ifr.Name(),
		mac:  mac,
		// A non-blocking fd lets the runtime poller unblock the reader on Close.
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
		rx:   newFrameQueue(256),
		done: make(chan struct{}),
	}
	go t.readLoop()

	logger.Info("netif: tap attached", "name", t.name, "mac", mac.String())
	return t, nil
}

func (t *Tap) readLoop() {
	defer close(t.done)
	buf := make([]byte, 65536)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				t.log.Error("netif: tap read", "name", t.name, "error", err)
			}
			return
		}
		if n < ethernetHeaderLen {
			continue
		}
		if !t.rx.push(append([]byte(nil), buf[:n]...)) {
			t.log.Debug("netif: tap frame dropped", "name", t.name, "len", n)
		}
	}
}

func (t *Tap) Name() string               { return t.name }
func (t *Tap) MAC() net.HardwareAddr      { return t.mac }
func (t *Tap) MTU() int                   { return DefaultMTU }
func (t *Tap) Pending() int               { return t.rx.len() }
func (t *Tap) Recv(b []byte) (int, error) { return t.rx.pop(b) }

func (t *Tap) Send(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return unix.EINVAL
	}
	if len(frame) > DefaultMTU+ethernetHeaderLen {
		return unix.EMSGSIZE
	}
	if _, err := t.file.Write(frame); err != nil {
		return fmt.Errorf("netif: tap write: %w", err)
	}
	return nil
}

func (t *Tap) Close() error {
	t.rx.close()
	err := t.file.Close()
	<-t.done
	return err
}
