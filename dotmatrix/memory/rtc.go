package memory

import (
	"io"
	"time"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// Clock is the time source for the MBC3 real-time clock. Injected at
// construction so tests can drive time deterministically.
type Clock interface {
	// Now returns the current time as Unix seconds.
	Now() int64
}

// SystemClock is the wall-clock time source used outside of tests.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().Unix() }

// rtcRegs are the five RTC counter registers: seconds, minutes, hours,
// day-low and day-high (bit 0 = day bit 8, bit 6 = halt, bit 7 = day carry).
type rtcRegs struct {
	s, m, h, dl, dh uint8
}

// RTC models the MBC3 clock chip: live counters that advance with wall time
// plus a latched shadow exposed through the register window.
type RTC struct {
	clock      Clock
	live       rtcRegs
	latched    rtcRegs
	lastUpdate int64
	latchPrev  uint8 // previous value written to the latch register
}

func NewRTC(clock Clock) *RTC {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RTC{clock: clock, lastUpdate: clock.Now(), latchPrev: 0xFF}
}

func (r *RTC) halted() bool { return r.live.dh&0x40 != 0 }

// update advances the live counters by the wall-clock delta since the last
// update. Called before every latch, register write and battery save so
// the live counters are current; register reads return the latched shadow.
func (r *RTC) update() {
	now := r.clock.Now()
	elapsed := now - r.lastUpdate
	r.lastUpdate = now
	if elapsed <= 0 || r.halted() {
		return
	}
	r.advance(elapsed)
}

func (r *RTC) advance(seconds int64) {
	total := int64(r.live.s) + seconds
	r.live.s = uint8(total % 60)
	total = int64(r.live.m) + total/60
	r.live.m = uint8(total % 60)
	total = int64(r.live.h) + total/60
	r.live.h = uint8(total % 24)

	days := int64(r.live.dl) | int64(r.live.dh&0x01)<<8
	days += total / 24
	r.live.dl = uint8(days)
	r.live.dh = (r.live.dh &^ 0x01) | uint8((days>>8)&0x01)
	if days > 0x1FF {
		// day counter overflow sets the carry bit until software clears it
		r.live.dh |= 0x80
	}
}

// WriteLatch implements the 0x6000-0x7FFF latch register: a 0->1 edge on
// bit 0 copies the live counters into the readable shadow.
func (r *RTC) WriteLatch(value uint8) {
	if r.latchPrev&0x01 == 0 && value&0x01 == 1 {
		r.update()
		r.latched = r.live
	}
	r.latchPrev = value
}

// ReadRegister returns the latched value of register 0x08..0x0C.
func (r *RTC) ReadRegister(reg uint8) uint8 {
	switch reg {
	case 0x08:
		return r.latched.s
	case 0x09:
		return r.latched.m
	case 0x0A:
		return r.latched.h
	case 0x0B:
		return r.latched.dl
	case 0x0C:
		return r.latched.dh
	}
	return 0xFF
}

// WriteRegister writes a live counter register.
func (r *RTC) WriteRegister(reg, value uint8) {
	r.update()
	switch reg {
	case 0x08:
		r.live.s = value & 0x3F
	case 0x09:
		r.live.m = value & 0x3F
	case 0x0A:
		r.live.h = value & 0x1F
	case 0x0B:
		r.live.dl = value
	case 0x0C:
		r.live.dh = value & 0xC1
	}
}

// SaveBattery appends the 48-byte RTC trailer: live then latched registers
// as little-endian u32 each, followed by a u64 Unix timestamp.
func (r *RTC) SaveBattery(w io.Writer) error {
	r.update()
	for _, regs := range []rtcRegs{r.live, r.latched} {
		for _, v := range []uint8{regs.s, regs.m, regs.h, regs.dl, regs.dh} {
			if err := stream.WriteU32(w, uint32(v)); err != nil {
				return err
			}
		}
	}
	return stream.WriteU64(w, uint64(r.lastUpdate))
}

// LoadBattery restores the registers and re-applies the wall-clock delta
// since the save was taken.
func (r *RTC) LoadBattery(rd io.Reader) error {
	for _, regs := range []*rtcRegs{&r.live, &r.latched} {
		fields := []*uint8{&regs.s, &regs.m, &regs.h, &regs.dl, &regs.dh}
		for _, f := range fields {
			v, err := stream.ReadU32(rd)
			if err != nil {
				return err
			}
			*f = uint8(v)
		}
	}
	stamp, err := stream.ReadU64(rd)
	if err != nil {
		return err
	}
	r.lastUpdate = int64(stamp)
	r.update()
	return nil
}

// Serialize writes the full RTC state for save states.
func (r *RTC) Serialize(w io.Writer) error {
	for _, regs := range []rtcRegs{r.live, r.latched} {
		for _, v := range []uint8{regs.s, regs.m, regs.h, regs.dl, regs.dh} {
			if err := stream.WriteU8(w, v); err != nil {
				return err
			}
		}
	}
	if err := stream.WriteU64(w, uint64(r.lastUpdate)); err != nil {
		return err
	}
	return stream.WriteU8(w, r.latchPrev)
}

// Deserialize restores state written by Serialize.
func (r *RTC) Deserialize(rd io.Reader) error {
	for _, regs := range []*rtcRegs{&r.live, &r.latched} {
		fields := []*uint8{&regs.s, &regs.m, &regs.h, &regs.dl, &regs.dh}
		for _, f := range fields {
			v, err := stream.ReadU8(rd)
			if err != nil {
				return err
			}
			*f = v
		}
	}
	stamp, err := stream.ReadU64(rd)
	if err != nil {
		return err
	}
	r.lastUpdate = int64(stamp)
	prev, err := stream.ReadU8(rd)
	if err != nil {
		return err
	}
	r.latchPrev = prev
	return nil
}
