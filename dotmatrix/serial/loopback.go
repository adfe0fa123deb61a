package serial

import (
	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/bit"
)

// Loopback is a link cable plugged into itself: every transmitted byte is
// received back. Useful for exercising the serial interrupt path.
type Loopback struct {
	irqHandler     func()
	sb, sc         byte
	transferActive bool
	countdown      int
}

// NewLoopback creates a loopback cable. The irq callback should request
// the Serial interrupt.
func NewLoopback(irq func()) *Loopback {
	return &Loopback{irqHandler: irq}
}

func (l *Loopback) Write(address uint16, value byte) {
	switch address {
	case addr.SB:
		l.sb = value
	case addr.SC:
		l.sc = value
		if !l.transferActive && bit.IsSet(7, l.sc) && bit.IsSet(0, l.sc) {
			// 8 bits at the 8192 Hz bit clock
			l.transferActive = true
			l.countdown = 4096
		}
	default:
		panic("serial.Loopback: invalid write address")
	}
}

func (l *Loopback) Read(address uint16) byte {
	switch address {
	case addr.SB:
		return l.sb
	case addr.SC:
		return l.sc | 0x7E
	default:
		panic("serial.Loopback: invalid read address")
	}
}

func (l *Loopback) Tick(cycles int) {
	if !l.transferActive {
		return
	}
	l.countdown -= cycles
	if l.countdown > 0 {
		return
	}
	// the byte comes straight back; SB is unchanged by design
	l.sc = bit.Reset(7, l.sc)
	l.transferActive = false
	l.countdown = 0
	if l.irqHandler != nil {
		l.irqHandler()
	}
}

func (l *Loopback) Reset() {
	l.sb, l.sc = 0, 0
	l.transferActive = false
	l.countdown = 0
}
