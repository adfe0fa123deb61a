package video

type GBColor uint32

const (
	FramebufferWidth  = 160
	FramebufferHeight = 144
	FramebufferSize   = FramebufferWidth * FramebufferHeight
)

const (
	WhiteColor     GBColor = 0xFFFFFFFF
	LightGreyColor GBColor = 0x989898FF
	DarkGreyColor  GBColor = 0x4C4C4CFF
	BlackColor     GBColor = 0x000000FF
)

// ByteToColor maps a DMG shade (0 = lightest) to a host RGBA color.
func ByteToColor(value byte) GBColor {
	switch value {
	case 0:
		return WhiteColor
	case 1:
		return LightGreyColor
	case 2:
		return DarkGreyColor
	case 3:
		return BlackColor
	}
	return 0
}

// RGB555ToColor maps a CGB 15-bit BGR color to host RGBA.
func RGB555ToColor(value uint16) GBColor {
	r := uint32(value & 0x1F)
	g := uint32((value >> 5) & 0x1F)
	b := uint32((value >> 10) & 0x1F)
	// expand 5-bit channels to 8 bits
	r = (r << 3) | (r >> 2)
	g = (g << 3) | (g >> 2)
	b = (b << 3) | (b >> 2)
	return GBColor(r<<24 | g<<16 | b<<8 | 0xFF)
}

// FrameBuffer holds the rendered RGBA frame exposed to hosts.
type FrameBuffer struct {
	width  uint
	height uint
	buffer []uint32
}

func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		width:  FramebufferWidth,
		height: FramebufferHeight,
		buffer: make([]uint32, FramebufferSize),
	}
}

func (fb *FrameBuffer) GetPixel(x, y uint) uint32 {
	return fb.buffer[y*fb.width+x]
}

func (fb *FrameBuffer) SetPixel(x, y uint, color GBColor) {
	fb.buffer[y*fb.width+x] = uint32(color)
}

func (fb *FrameBuffer) ToSlice() []uint32 {
	return fb.buffer
}

// Clear resets the framebuffer to a white screen (LCD off).
func (fb *FrameBuffer) Clear() {
	for i := range fb.buffer {
		fb.buffer[i] = uint32(WhiteColor)
	}
}
