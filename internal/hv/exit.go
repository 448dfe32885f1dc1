package hv

import "fmt"

type ExitKind int

const (
	ExitKindIO ExitKind = iota
	ExitKindMemoryFault
	ExitKindHalt
	ExitKindShutdown
	ExitKindInterrupted
	ExitKindDebug
	ExitKindUnknown

	exitKindCount
)

// ExitKinds lists every exit kind in declaration order.
func ExitKinds() []ExitKind {
	kinds := make([]ExitKind, exitKindCount)
	for i := range kinds {
		kinds[i] = ExitKind(i)
	}
	return kinds
}

func (k ExitKind) String() string {
	switch k {
	case ExitKindIO:
		return "io"
	case ExitKindMemoryFault:
		return "memory_fault"
	case ExitKindHalt:
		return "halt"
	case ExitKindShutdown:
		return "shutdown"
	case ExitKindInterrupted:
		return "interrupted"
	case ExitKindDebug:
		return "debug"
	case ExitKindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// ExitEvent is the reason RunStep returned. The set of implementations is
// closed; callers switch on the concrete type.
type ExitEvent interface {
	Kind() ExitKind
}

// ExitIO is a trapped in/out instruction. Data aliases the backend's exit
// buffer: for reads the handler fills it before the next RunStep.
type ExitIO struct {
	Port  uint16
	Write bool
	Size  int
	Data  []byte
}

// ExitMemoryFault is an access to a guest physical address with no host
// memory registered behind it. As with ExitIO, Data must be filled for reads.
type ExitMemoryFault struct {
	Addr  uint64
	Write bool
	Data  []byte
}

type ExitHalt struct{}

// ExitShutdown is a shutdown requested by the platform. TripleFault is set
// when the guest crashed into it.
type ExitShutdown struct {
	TripleFault bool
}

// ExitInterrupted is returned after RequestExit or a cancelled context.
type ExitInterrupted struct{}

// ExitDebug is a breakpoint or single step trap. PC is the address of the
// trapping instruction for breakpoints and of the next instruction for steps.
type ExitDebug struct {
	PC        uint64
	Exception uint32
}

type ExitUnknown struct {
	Reason string
	// EmulationFailure is set when the backend could not complete an
	// access or deliver an event. With lazily registered memory this is
	// how instruction fetches and page walks into unregistered memory end.
	EmulationFailure bool
}

func (ExitIO) Kind() ExitKind          { return ExitKindIO }
func (ExitMemoryFault) Kind() ExitKind { return ExitKindMemoryFault }
func (ExitHalt) Kind() ExitKind        { return ExitKindHalt }
func (ExitShutdown) Kind() ExitKind    { return ExitKindShutdown }
func (ExitInterrupted) Kind() ExitKind { return ExitKindInterrupted }
func (ExitDebug) Kind() ExitKind       { return ExitKindDebug }
func (ExitUnknown) Kind() ExitKind     { return ExitKindUnknown }

var (
	_ ExitEvent = ExitIO{}
	_ ExitEvent = ExitMemoryFault{}
	_ ExitEvent = ExitHalt{}
	_ ExitEvent = ExitShutdown{}
	_ ExitEvent = ExitInterrupted{}
	_ ExitEvent = ExitDebug{}
	_ ExitEvent = ExitUnknown{}
)
