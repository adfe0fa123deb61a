package memory

import (
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// Timer encapsulates DIV/TIMA/TMA/TAC. A single 16-bit counter increments
// every T-cycle; DIV reads its upper 8 bits. TIMA increments on falling
// edges of the TAC-selected counter bit, which is why DIV and TAC writes
// can themselves tick TIMA.
type Timer struct {
	systemCounter uint16
	tima          byte
	tma           byte
	tac           byte

	// reloadDelay counts down the 4 T-cycles between TIMA overflow and the
	// TMA reload + interrupt. During the window TIMA reads 0.
	reloadDelay int

	// IRQ requester callback
	TimerInterruptHandler func()
}

// SetSeed initializes the internal divider counter (post-boot value).
func (t *Timer) SetSeed(seed uint16) {
	t.systemCounter = seed
	t.reloadDelay = 0
}

// selectedBit returns the TAC-gated state of the counter bit feeding TIMA.
func (t *Timer) selectedBit() bool {
	if t.tac&0x04 == 0 {
		return false
	}
	var bitPosition uint8
	switch t.tac & 0x03 {
	case 0x00:
		bitPosition = 9
	case 0x01:
		bitPosition = 3
	case 0x02:
		bitPosition = 5
	case 0x03:
		bitPosition = 7
	}
	return (t.systemCounter>>bitPosition)&1 != 0
}

func (t *Timer) increment() {
	if t.reloadDelay > 0 {
		// increments are swallowed while the reload is pending
		return
	}
	if t.tima == 0xFF {
		t.tima = 0x00
		t.reloadDelay = 4
		return
	}
	t.tima++
}

// Tick advances the timer by the given number of T-cycles.
func (t *Timer) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		before := t.selectedBit()
		t.systemCounter++
		after := t.selectedBit()

		if t.reloadDelay > 0 {
			t.reloadDelay--
			if t.reloadDelay == 0 {
				t.tima = t.tma
				if t.TimerInterruptHandler != nil {
					t.TimerInterruptHandler()
				}
			}
		}

		if before && !after {
			t.increment()
		}
	}
}

func (t *Timer) Read(address uint16) byte {
	switch address {
	case addr.DIV:
		return byte(t.systemCounter >> 8)
	case addr.TIMA:
		return t.tima
	case addr.TMA:
		return t.tma
	case addr.TAC:
		return 0xF8 | (t.tac & 0x07)
	default:
		return 0xFF
	}
}

func (t *Timer) Write(address uint16, value byte) {
	switch address {
	case addr.DIV:
		// Zeroing the counter can produce a falling edge on the selected bit.
		before := t.selectedBit()
		t.systemCounter = 0
		if before && !t.selectedBit() {
			t.increment()
		}
	case addr.TIMA:
		// A write during the reload window cancels the pending reload.
		if t.reloadDelay > 0 {
			t.reloadDelay = 0
		}
		t.tima = value
	case addr.TMA:
		t.tma = value
		// TMA written during the window is what gets loaded.
		if t.reloadDelay > 0 {
			t.tima = value
		}
	case addr.TAC:
		before := t.selectedBit()
		t.tac = value & 0x07
		if before && !t.selectedBit() {
			t.increment()
		}
	}
}

// DivBit reports a raw bit of the internal counter.
func (t *Timer) DivBit(index uint8) bool {
	return (t.systemCounter>>index)&1 != 0
}

func (t *Timer) Serialize(w io.Writer) error {
	if err := stream.WriteU16(w, t.systemCounter); err != nil {
		return err
	}
	for _, v := range []byte{t.tima, t.tma, t.tac, byte(t.reloadDelay)} {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Timer) Deserialize(r io.Reader) error {
	counter, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	t.systemCounter = counter
	vals := make([]byte, 4)
	for i := range vals {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	t.tima, t.tma, t.tac, t.reloadDelay = vals[0], vals[1], vals[2], int(vals[3])
	return nil
}
