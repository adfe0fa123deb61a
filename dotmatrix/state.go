package dotmatrix

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// Save state format: the magic "FBSS", a u16 version, then one
// length-prefixed block per subsystem in fixed order (CPU, MMU, PPU, APU).
// Everything multi-byte is little-endian.
const (
	stateMagic   = "FBSS"
	stateVersion = 1
)

// RestoreError describes why a save state or battery image was rejected.
// The emulator is left untouched when restore fails.
type RestoreError struct {
	Reason string
}

func (e *RestoreError) Error() string {
	return "restore failed: " + e.Reason
}

// ErrNoBattery is returned for battery operations on a cartridge without
// battery-backed RAM.
var ErrNoBattery = fmt.Errorf("cartridge has no battery-backed RAM")

type serializable interface {
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// Snapshot writes the complete machine state. Must not be called
// concurrently with Tick.
func (e *Emulator) Snapshot(w io.Writer) error {
	if err := stream.WriteBytes(w, []byte(stateMagic)); err != nil {
		return err
	}
	if err := stream.WriteU16(w, stateVersion); err != nil {
		return err
	}

	for _, sub := range e.stateBlocks() {
		var buf bytes.Buffer
		if err := sub.Serialize(&buf); err != nil {
			return err
		}
		if err := stream.WriteU32(w, uint32(buf.Len())); err != nil {
			return err
		}
		if err := stream.WriteBytes(w, buf.Bytes()); err != nil {
			return err
		}
	}

	// scheduler phase: without it a restored machine would replay the
	// current instruction out of step with the dot clock
	if err := stream.WriteU32(w, uint32(int32(e.instructionDebt))); err != nil {
		return err
	}
	if err := stream.WriteU32(w, uint32(e.frameCycles)); err != nil {
		return err
	}
	return stream.WriteU64(w, e.frameCount)
}

// Restore replaces the machine state with a previously written snapshot.
// The state is first loaded into a scratch instance built from the same
// cartridge; the live emulator only changes if the whole stream parses.
func (e *Emulator) Restore(r io.Reader) error {
	if e.cart == nil {
		return &RestoreError{Reason: "no cartridge loaded"}
	}

	magic := make([]byte, len(stateMagic))
	if err := stream.ReadBytes(r, magic); err != nil {
		return &RestoreError{Reason: "truncated header"}
	}
	if string(magic) != stateMagic {
		return &RestoreError{Reason: "bad magic"}
	}
	version, err := stream.ReadU16(r)
	if err != nil {
		return &RestoreError{Reason: "truncated header"}
	}
	if version != stateVersion {
		return &RestoreError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	scratch := New()
	scratch.clock = e.clock
	if status := scratch.LoadCartridge(e.rom); status != memory.Loaded {
		return &RestoreError{Reason: "could not rebuild machine: " + status.String()}
	}

	for _, sub := range scratch.stateBlocks() {
		length, err := stream.ReadU32(r)
		if err != nil {
			return &RestoreError{Reason: "truncated block header"}
		}
		block := make([]byte, length)
		if err := stream.ReadBytes(r, block); err != nil {
			return &RestoreError{Reason: "truncated block"}
		}
		br := bytes.NewReader(block)
		if err := sub.Deserialize(br); err != nil {
			return &RestoreError{Reason: err.Error()}
		}
		if br.Len() != 0 {
			return &RestoreError{Reason: "trailing bytes in block"}
		}
	}

	debt, err := stream.ReadU32(r)
	if err != nil {
		return &RestoreError{Reason: "truncated scheduler state"}
	}
	frameCycles, err := stream.ReadU32(r)
	if err != nil {
		return &RestoreError{Reason: "truncated scheduler state"}
	}
	frameCount, err := stream.ReadU64(r)
	if err != nil {
		return &RestoreError{Reason: "truncated scheduler state"}
	}

	// swap the scratch machine in, keeping host wiring
	e.cpu, e.gpu, e.mem = scratch.cpu, scratch.gpu, scratch.mem
	e.instructionDebt, e.frameCycles = int(int32(debt)), int(frameCycles)
	e.frameCount = frameCount
	e.gpu.SetDisplaySink(e.display)
	e.mem.APU.SetSampleSink(e.audio)
	e.mem.SetJoypadSource(e.joypad)
	e.mem.SetSerialPort(e.serial)
	return nil
}

func (e *Emulator) stateBlocks() []serializable {
	return []serializable{e.cpu, e.mem, e.gpu, e.mem.APU}
}

// SaveBattery writes battery-backed cartridge RAM (and the RTC trailer for
// MBC3) to the stream. Returns ErrNoBattery when the cartridge has none.
func (e *Emulator) SaveBattery(w io.Writer) error {
	mbc := e.mem.MBC()
	if mbc == nil || !mbc.HasBattery() {
		return ErrNoBattery
	}
	return mbc.SaveBattery(w)
}

// LoadBattery restores battery-backed cartridge RAM saved by SaveBattery.
func (e *Emulator) LoadBattery(r io.Reader) error {
	mbc := e.mem.MBC()
	if mbc == nil || !mbc.HasBattery() {
		return ErrNoBattery
	}
	if err := mbc.LoadBattery(r); err != nil {
		return &RestoreError{Reason: err.Error()}
	}
	return nil
}
