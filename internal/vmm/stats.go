package vmm

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/tinyrange/ukvm/internal/hv"
	"github.com/tinyrange/ukvm/internal/hypercall"
)

// Stats summarises a run.
type Stats struct {
	Exits      map[hv.ExitKind]uint64
	Hypercalls map[hypercall.Port]uint64
	// GuestTime is the time each core spent inside RunStep.
	GuestTime []time.Duration
	// PageIns counts chunks registered on demand.
	PageIns uint64
}

func (s Stats) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 4)

	exits := make([]slog.Attr, 0, len(s.Exits))
	for _, k := range hv.ExitKinds() {
		if n := s.Exits[k]; n > 0 {
			exits = append(exits, slog.Uint64(k.String(), n))
		}
	}
	attrs = append(attrs, slog.Attr{Key: "exits", Value: slog.GroupValue(exits...)})

	calls := make([]slog.Attr, 0, len(s.Hypercalls))
	for _, p := range hypercall.Ports() {
		if n := s.Hypercalls[p]; n > 0 {
			calls = append(calls, slog.Uint64(p.String(), n))
		}
	}
	attrs = append(attrs, slog.Attr{Key: "hypercalls", Value: slog.GroupValue(calls...)})

	cpus := make([]slog.Attr, 0, len(s.GuestTime))
	for i, d := range s.GuestTime {
		cpus = append(cpus, slog.Duration("cpu"+strconv.Itoa(i), d))
	}
	attrs = append(attrs, slog.Attr{Key: "guest_time", Value: slog.GroupValue(cpus...)})

	if s.PageIns > 0 {
		attrs = append(attrs, slog.Uint64("page_ins", s.PageIns))
	}
	return slog.GroupValue(attrs...)
}
