// Package hypercall decodes the port I/O requests a guest issues and carries
// them out on the host.
package hypercall

import "fmt"

// Port identifies a hypercall by the I/O port the guest writes to.
type Port uint16

const (
	PortWrite       Port = 0x400
	PortOpen        Port = 0x440
	PortClose       Port = 0x480
	PortRead        Port = 0x500
	PortExit        Port = 0x540
	PortLseek       Port = 0x580
	PortNetInfo     Port = 0x600
	PortNetSend     Port = 0x640
	PortNetRecv     Port = 0x680
	PortNetStat     Port = 0x700
	PortCmdsize     Port = 0x740
	PortCmdval      Port = 0x780
	PortUart        Port = 0x800
	PortUnlink      Port = 0x840
	PortSerialWrite Port = 0x880
	PortSerialRead  Port = 0x8c0
	PortCpuCount    Port = 0x900
	PortCpuStart    Port = 0x940
	PortCpuWake     Port = 0x980

	// BasePort is the lowest hypercall port. The boot information block
	// advertises it to the guest.
	BasePort = PortWrite
)

var portNames = map[Port]string{
	PortWrite:       "write",
	PortOpen:        "open",
	PortClose:       "close",
	PortRead:        "read",
	PortExit:        "exit",
	PortLseek:       "lseek",
	PortNetInfo:     "netinfo",
	PortNetSend:     "netsend",
	PortNetRecv:     "netrecv",
	PortNetStat:     "netstat",
	PortCmdsize:     "cmdsize",
	PortCmdval:      "cmdval",
	PortUart:        "uart",
	PortUnlink:      "unlink",
	PortSerialWrite: "serialwrite",
	PortSerialRead:  "serialread",
	PortCpuCount:    "cpucount",
	PortCpuStart:    "cpustart",
	PortCpuWake:     "cpuwake",
}

func (p Port) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return fmt.Sprintf("port(0x%x)", uint16(p))
}

// IsHypercall reports whether port is a hypercall port.
func IsHypercall(port uint16) bool {
	_, ok := portNames[Port(port)]
	return ok
}

// Ports returns every hypercall port in ascending order.
func Ports() []Port {
	return []Port{
		PortWrite, PortOpen, PortClose, PortRead, PortExit, PortLseek,
		PortNetInfo, PortNetSend, PortNetRecv, PortNetStat,
		PortCmdsize, PortCmdval, PortUart, PortUnlink,
		PortSerialWrite, PortSerialRead,
		PortCpuCount, PortCpuStart, PortCpuWake,
	}
}
