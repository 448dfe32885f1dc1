//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
