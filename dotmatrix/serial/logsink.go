// Package serial provides link-port devices that plug into the MMU's
// SerialPort slot: a logging sink for test ROMs and a loopback cable.
package serial

import (
	"log/slog"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/bit"
)

// LogSink implements a dummy serial device that logs outgoing bytes as
// text. Handy for test ROMs (blargg, mooneye) that report through the
// link port.
type LogSink struct {
	irqHandler     func()
	sb, sc         byte
	transferActive bool
	countdown      int
	logger         *slog.Logger

	// settings
	immediate bool
	defaultRX byte // value loaded into SB when no peer answers

	// line buffer for readable output, plus the raw capture
	line     []byte
	captured []byte
	onByte   func(byte)
}

type LogSinkOption func(*LogSink)

// WithFixedTiming sets the sink to complete transfers after a fixed
// countdown (~4096 CPU cycles per byte on DMG) instead of immediately.
func WithFixedTiming() LogSinkOption { return func(s *LogSink) { s.immediate = false } }

// WithByteCallback invokes fn for every byte shifted out, before transfer
// completion. Test harnesses watch for completion sentinels this way.
func WithByteCallback(fn func(byte)) LogSinkOption {
	return func(s *LogSink) { s.onByte = fn }
}

// NewLogSink creates a new logging serial device. The passed function is
// called when a transfer completes and should request the Serial interrupt.
func NewLogSink(irq func(), opts ...LogSinkOption) *LogSink {
	s := &LogSink{
		irqHandler: irq,
		immediate:  true,
		defaultRX:  0xFF,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Reset()
	return s
}

func (s *LogSink) Write(address uint16, value byte) {
	switch address {
	case addr.SB:
		s.sb = value
	case addr.SC:
		s.sc = value
		s.maybeStartTransfer()
	default:
		panic("serial.LogSink: invalid write address")
	}
}

func (s *LogSink) Read(address uint16) byte {
	switch address {
	case addr.SB:
		return s.sb
	case addr.SC:
		return s.sc | 0x7E
	default:
		panic("serial.LogSink: invalid read address")
	}
}

func (s *LogSink) Tick(cycles int) {
	if s.immediate || !s.transferActive {
		return
	}
	s.countdown -= cycles
	if s.countdown <= 0 {
		s.completeTransfer()
		s.countdown = 0
	}
}

func (s *LogSink) Reset() {
	s.sb = 0x00
	s.sc = 0x00
	s.transferActive = false
	s.countdown = 0
	s.line = s.line[:0]
	s.captured = s.captured[:0]
}

// Captured returns every byte the guest has shifted out since the last Reset.
func (s *LogSink) Captured() []byte { return s.captured }

func (s *LogSink) maybeStartTransfer() {
	if s.transferActive {
		return
	}
	// a transfer starts when both start (bit 7) and internal clock (bit 0)
	// are set; with an external clock and no peer, nothing ever arrives.
	if !bit.IsSet(7, s.sc) || !bit.IsSet(0, s.sc) {
		return
	}

	b := s.sb
	s.captured = append(s.captured, b)
	if s.onByte != nil {
		s.onByte(b)
	}

	// buffer printable output until newline for readable logs
	if b == 0 || b == '\n' || b == '\r' {
		if len(s.line) > 0 {
			s.logger.Info("serial", "line", string(s.line))
			s.line = s.line[:0]
		}
	} else {
		s.line = append(s.line, b)
	}

	if s.immediate {
		s.completeTransfer()
		return
	}

	// fixed timing: DMG ~4096 CPU cycles per byte
	s.transferActive = true
	s.countdown = 4096
}

func (s *LogSink) completeTransfer() {
	s.sb = s.defaultRX
	s.sc = bit.Reset(7, s.sc)
	s.transferActive = false
	if s.irqHandler != nil {
		s.irqHandler()
	}
}
