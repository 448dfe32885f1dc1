package gdb

import (
	"context"
	_ "embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

//go:embed target.xml
var targetXML string

const (
	replyOK    = "OK"
	replyError = "E01"
	// replyFault is EFAULT, used for memory that cannot be accessed.
	replyFault = "E0e"
)

type session struct {
	t   Target
	w   *wire
	log *slog.Logger

	bps     Breakpoints
	last    Stop
	running bool

	events chan event
	done   chan struct{}
}

func (s *session) readLoop() {
	for {
		ev, err := s.w.next()
		if err != nil {
			ev = event{err: err}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *session) run(ctx context.Context) error {
	defer close(s.done)
	go s.readLoop()

	st, err := s.t.Halt(ctx)
	if err != nil {
		return fmt.Errorf("gdb: halt target: %w", err)
	}
	s.last = st
	defer s.cleanup()

	for {
		var stops <-chan Stop
		if s.running {
			stops = s.t.Stops()
		}

		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			if ev.err != nil {
				return ev.err
			}
			if ev.interrupt {
				if s.running {
					if err := s.t.Interrupt(); err != nil {
						s.log.Debug("gdb: interrupt", "error", err)
					}
				}
				continue
			}
			done, err := s.handle(ctx, ev.packet)
			if err != nil || done {
				return err
			}
		case st := <-stops:
			s.running = false
			s.last = st
			if err := s.w.send(stopReply(st)); err != nil {
				return err
			}
		}
	}
}

// cleanup takes the session's breakpoints out of guest memory.
func (s *session) cleanup() {
	if s.bps.Len() == 0 {
		return
	}
	if err := s.bps.Clear(s.t); err != nil {
		s.log.Warn("gdb: remove breakpoints", "error", err)
	}
}

func stopReply(st Stop) string {
	switch st.Reason {
	case StopExited:
		return fmt.Sprintf("W%02x", st.Code&0xff)
	case StopInterrupt:
		return "T02thread:01;"
	default:
		return "T05thread:01;"
	}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}

// parseAddrLen parses "addr,len".
func parseAddrLen(s string) (uint64, uint64, error) {
	a, l, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, protocolError("expected addr,length in %q", s)
	}
	addr, err := parseHex(a)
	if err != nil {
		return 0, 0, protocolError("bad address %q", a)
	}
	n, err := parseHex(l)
	if err != nil {
		return 0, 0, protocolError("bad length %q", l)
	}
	return addr, n, nil
}

func (s *session) reply(data string) error { return s.w.send(data) }

// targetError reports a failed target operation to the debugger. The session
// stays open.
func (s *session) targetError(op string, err error) error {
	s.log.Debug("gdb: target operation failed", "op", op, "error", err)
	return s.reply(replyError)
}

// handle executes one packet. done ends the session.
func (s *session) handle(ctx context.Context, pkt string) (done bool, err error) {
	if pkt == "" {
		return false, s.reply("")
	}
	if s.running {
		// All-stop mode: only an interrupt is valid while the core runs.
		return false, s.reply(replyError)
	}

	args := pkt[1:]
	switch pkt[0] {
	case '?':
		return false, s.reply(stopReply(s.last))
	case 'g':
		return false, s.readRegisters()
	case 'G':
		return false, s.writeRegisters(args)
	case 'p':
		return false, s.readRegister(args)
	case 'P':
		return false, s.writeRegister(args)
	case 'm':
		return false, s.readMemory(args)
	case 'M':
		return false, s.writeMemory(args)
	case 'Z', 'z':
		return false, s.breakpoint(pkt[0] == 'Z', args)
	case 'c':
		return false, s.resume(ctx, false, args)
	case 's':
		return false, s.resume(ctx, true, args)
	case 'k':
		if err := s.t.Kill(); err != nil {
			s.log.Warn("gdb: kill target", "error", err)
		}
		return true, nil
	case 'D':
		return true, s.detach()
	case 'H', 'T':
		return false, s.reply(replyOK)
	case 'q':
		return false, s.query(args)
	case 'Q':
		if pkt == "QStartNoAckMode" {
			// This packet has been acknowledged already; later ones are not.
			s.w.noAck.Store(true)
			return false, s.reply(replyOK)
		}
		return false, s.reply("")
	default:
		// X, vCont and everything else fall back to simpler packets.
		return false, s.reply("")
	}
}

func (s *session) query(q string) error {
	switch {
	case strings.HasPrefix(q, "Supported"):
		return s.reply(fmt.Sprintf("PacketSize=%x;qXfer:features:read+;QStartNoAckMode+", maxPacketSize))
	case q == "Attached":
		return s.reply("1")
	case q == "C":
		return s.reply("QC01")
	case q == "fThreadInfo":
		return s.reply("m01")
	case q == "sThreadInfo":
		return s.reply("l")
	case strings.HasPrefix(q, "Xfer:features:read:"):
		return s.xferFeatures(strings.TrimPrefix(q, "Xfer:features:read:"))
	default:
		return s.reply("")
	}
}

func (s *session) xferFeatures(args string) error {
	annex, rng, ok := strings.Cut(args, ":")
	if !ok {
		return protocolError("malformed qXfer request %q", args)
	}
	if annex != "target.xml" {
		return s.reply("E00")
	}
	off, n, err := parseAddrLen(rng)
	if err != nil {
		return err
	}
	if off >= uint64(len(targetXML)) {
		return s.reply("l")
	}
	end := min(off+n, uint64(len(targetXML)))
	prefix := "m"
	if end == uint64(len(targetXML)) {
		prefix = "l"
	}
	return s.reply(prefix + targetXML[off:end])
}

func (s *session) readRegisters() error {
	regs, err := s.t.ReadRegisters()
	if err != nil {
		return s.targetError("read registers", err)
	}
	b, err := regs.MarshalBinary()
	if err != nil {
		return s.targetError("encode registers", err)
	}
	return s.reply(hex.EncodeToString(b))
}

func (s *session) writeRegisters(args string) error {
	b, err := hex.DecodeString(args)
	if err != nil {
		return protocolError("bad register block")
	}
	regs, err := s.t.ReadRegisters()
	if err != nil {
		return s.targetError("read registers", err)
	}
	if err := regs.UnmarshalBinary(b); err != nil {
		return s.reply(replyError)
	}
	if err := s.t.WriteRegisters(regs); err != nil {
		return s.targetError("write registers", err)
	}
	return s.reply(replyOK)
}

func (s *session) readRegister(args string) error {
	n, err := parseHex(args)
	if err != nil {
		return protocolError("bad register number %q", args)
	}
	regs, err := s.t.ReadRegisters()
	if err != nil {
		return s.targetError("read registers", err)
	}
	b, err := regs.register(int(n))
	if err != nil {
		return s.reply(replyError)
	}
	return s.reply(hex.EncodeToString(b))
}

func (s *session) writeRegister(args string) error {
	num, val, ok := strings.Cut(args, "=")
	if !ok {
		return protocolError("malformed P packet %q", args)
	}
	n, err := parseHex(num)
	if err != nil {
		return protocolError("bad register number %q", num)
	}
	b, err := hex.DecodeString(val)
	if err != nil {
		return protocolError("bad register value %q", val)
	}
	regs, err := s.t.ReadRegisters()
	if err != nil {
		return s.targetError("read registers", err)
	}
	if err := regs.setRegister(int(n), b); err != nil {
		return s.reply(replyError)
	}
	if err := s.t.WriteRegisters(regs); err != nil {
		return s.targetError("write registers", err)
	}
	return s.reply(replyOK)
}

func (s *session) readMemory(args string) error {
	addr, n, err := parseAddrLen(args)
	if err != nil {
		return err
	}
	n = min(n, maxPacketSize/2)
	buf := make([]byte, n)
	if err := s.t.ReadMemory(addr, buf); err != nil {
		s.log.Debug("gdb: read memory", "addr", fmt.Sprintf("0x%x", addr), "error", err)
		return s.reply(replyFault)
	}
	s.bps.Shadow(addr, buf)
	return s.reply(hex.EncodeToString(buf))
}

func (s *session) writeMemory(args string) error {
	head, data, ok := strings.Cut(args, ":")
	if !ok {
		return protocolError("malformed M packet")
	}
	addr, n, err := parseAddrLen(head)
	if err != nil {
		return err
	}
	buf, err := hex.DecodeString(data)
	if err != nil || uint64(len(buf)) != n {
		return protocolError("M packet data does not match length %d", n)
	}

	// Bytes under a breakpoint become its saved original; the int3 stays.
	var covered []uint64
	for _, a := range s.bps.Addrs() {
		if a >= addr && a < addr+n {
			covered = append(covered, a)
		}
	}
	for _, a := range covered {
		if err := s.bps.Remove(s.t, a); err != nil {
			return s.targetError("lift breakpoint", err)
		}
	}
	werr := s.t.WriteMemory(addr, buf)
	for _, a := range covered {
		if err := s.bps.Insert(s.t, a); err != nil {
			return s.targetError("restore breakpoint", err)
		}
	}
	if werr != nil {
		s.log.Debug("gdb: write memory", "addr", fmt.Sprintf("0x%x", addr), "error", werr)
		return s.reply(replyFault)
	}
	return s.reply(replyOK)
}

func (s *session) breakpoint(insert bool, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) < 2 || parts[0] != "0" {
		// Only software breakpoints are supported.
		return s.reply("")
	}
	addr, err := parseHex(parts[1])
	if err != nil {
		return protocolError("bad breakpoint address %q", parts[1])
	}
	if insert {
		err = s.bps.Insert(s.t, addr)
	} else {
		err = s.bps.Remove(s.t, addr)
	}
	if err != nil {
		s.log.Debug("gdb: breakpoint", "insert", insert, "addr", fmt.Sprintf("0x%x", addr), "error", err)
		return s.reply(replyFault)
	}
	return s.reply(replyOK)
}

func (s *session) waitStop(ctx context.Context) (Stop, error) {
	select {
	case st := <-s.t.Stops():
		return st, nil
	case <-ctx.Done():
		return Stop{}, ctx.Err()
	}
}

// resume continues the core. Resuming from an address holding a breakpoint
// first executes the original instruction with the breakpoint lifted.
func (s *session) resume(ctx context.Context, step bool, args string) error {
	if s.last.Reason == StopExited {
		return s.reply(stopReply(s.last))
	}

	regs, err := s.t.ReadRegisters()
	if err != nil {
		return s.targetError("read registers", err)
	}
	if args != "" {
		addr, err := parseHex(args)
		if err != nil {
			return protocolError("bad resume address %q", args)
		}
		regs.RIP = addr
		if err := s.t.WriteRegisters(regs); err != nil {
			return s.targetError("write registers", err)
		}
	}

	if orig, ok := s.bps.Original(regs.RIP); ok {
		pc := regs.RIP
		if _, err := s.t.PatchByte(pc, orig); err != nil {
			return s.targetError("lift breakpoint", err)
		}
		if err := s.t.Resume(true); err != nil {
			return s.targetError("step", err)
		}
		st, err := s.waitStop(ctx)
		if err != nil {
			return err
		}
		if st.Reason != StopExited {
			if _, err := s.t.PatchByte(pc, BreakpointInstruction); err != nil {
				return s.targetError("reinsert breakpoint", err)
			}
		}
		if step || st.Reason != StopTrap {
			s.last = st
			return s.reply(stopReply(st))
		}
	}

	if err := s.t.Resume(step); err != nil {
		return s.targetError("resume", err)
	}
	s.running = true
	return nil
}

func (s *session) detach() error {
	s.cleanup()
	if s.last.Reason != StopExited {
		if err := s.t.Resume(false); err != nil {
			s.log.Debug("gdb: resume on detach", "error", err)
		}
	}
	return s.reply(replyOK)
}
