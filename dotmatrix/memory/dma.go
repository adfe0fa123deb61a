package memory

import (
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// oamDMA is the 0xFF46 engine: 160 bytes copied to OAM, one byte per
// M-cycle. While it runs the CPU can only access HRAM safely; OAM reads
// return 0xFF and writes are dropped.
type oamDMA struct {
	active bool
	source uint16
	index  int
	reg    byte // last value written to 0xFF46
}

func (d *oamDMA) start(value byte) {
	d.reg = value
	d.active = true
	d.source = uint16(value) << 8
	d.index = 0
}

// vramDMA is the CGB HDMA/GDMA engine behind 0xFF51-0xFF55. GDMA copies
// everything at once; HDMA moves one 16-byte block per HBlank.
type vramDMA struct {
	source uint16
	dest   uint16
	length int // remaining bytes
	hblank bool
	active bool
}

func (d *vramDMA) writeRegister(address uint16, value byte) {
	switch address {
	case 0xFF51:
		d.source = (d.source & 0x00FF) | uint16(value)<<8
	case 0xFF52:
		d.source = (d.source & 0xFF00) | uint16(value&0xF0)
	case 0xFF53:
		d.dest = (d.dest & 0x00FF) | uint16(value&0x1F)<<8
	case 0xFF54:
		d.dest = (d.dest & 0xFF00) | uint16(value&0xF0)
	}
}

// readStatus implements HDMA5 reads: bit 7 set means no transfer active,
// low bits are remaining blocks minus one.
func (d *vramDMA) readStatus() byte {
	if !d.active {
		return 0xFF
	}
	blocks := d.length/16 - 1
	return byte(blocks) & 0x7F
}

func (d *oamDMA) serialize(w io.Writer) error {
	for _, v := range []byte{boolByte(d.active), d.reg, byte(d.index)} {
		if err := stream.WriteU8(w, v); err != nil {
			return err
		}
	}
	return stream.WriteU16(w, d.source)
}

func (d *oamDMA) deserialize(r io.Reader) error {
	vals := make([]byte, 3)
	for i := range vals {
		v, err := stream.ReadU8(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	d.active, d.reg, d.index = vals[0] != 0, vals[1], int(vals[2])
	src, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	d.source = src
	return nil
}

func (d *vramDMA) serialize(w io.Writer) error {
	if err := stream.WriteU16(w, d.source); err != nil {
		return err
	}
	if err := stream.WriteU16(w, d.dest); err != nil {
		return err
	}
	if err := stream.WriteU16(w, uint16(d.length)); err != nil {
		return err
	}
	if err := stream.WriteU8(w, boolByte(d.hblank)); err != nil {
		return err
	}
	return stream.WriteU8(w, boolByte(d.active))
}

func (d *vramDMA) deserialize(r io.Reader) error {
	src, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	dst, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	length, err := stream.ReadU16(r)
	if err != nil {
		return err
	}
	hblank, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	active, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	d.source, d.dest, d.length = src, dst, int(length)
	d.hblank, d.active = hblank != 0, active != 0
	return nil
}
