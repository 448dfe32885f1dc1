//go:build !linux

package netif

import (
	"errors"
	"log/slog"
	"net"
)

type Tap struct{}

func OpenTap(name string, mac net.HardwareAddr, logger *slog.Logger) (*Tap, error) {
	return nil, errors.New("netif: tap devices are only supported on linux")
}

func (t *Tap) Name() string               { return "" }
func (t *Tap) MAC() net.HardwareAddr      { return nil }
func (t *Tap) MTU() int                   { return DefaultMTU }
func (t *Tap) Pending() int               { return 0 }
func (t *Tap) Recv(b []byte) (int, error) { return 0, ErrClosed }
func (t *Tap) Send(frame []byte) error    { return ErrClosed }
func (t *Tap) Close() error               { return nil }
