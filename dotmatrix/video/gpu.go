package video

import (
	"io"

	"github.com/pgrandi/go-dotmatrix/dotmatrix/addr"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/bit"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/memory"
	"github.com/pgrandi/go-dotmatrix/dotmatrix/stream"
)

// GpuMode represents the PPU's current rendering stage.
// These values match the STAT register bits 1-0.
type GpuMode int

const (
	// hblankMode (Mode 0): Horizontal blank period, CPU can access VRAM/OAM
	hblankMode GpuMode = 0
	// vblankMode (Mode 1): Vertical blank period, CPU can access VRAM/OAM
	vblankMode GpuMode = 1
	// oamScanMode (Mode 2): PPU is reading OAM, CPU cannot access OAM
	oamScanMode GpuMode = 2
	// pixelTransferMode (Mode 3): PPU is writing pixels, CPU cannot access VRAM/OAM
	pixelTransferMode GpuMode = 3
)

const (
	oamScanDots       = 80
	pixelTransferDots = 172
	scanlineDots      = 456
	visibleLines      = 144
	totalLines        = 154
	maxSpritesPerLine = 10
)

// DisplaySink receives rendered scanlines as they complete, then Present
// at VBlank. Pixels are post-palette DMG shades (0 = lightest).
type DisplaySink interface {
	DrawScanline(y int, pixels *[FramebufferWidth]byte)
	Present()
}

// ColorDisplaySink is implemented by sinks that want the CGB 15-bit BGR
// scanline instead of DMG shades.
type ColorDisplaySink interface {
	DrawScanlineColor(y int, pixels *[FramebufferWidth]uint16)
}

// sprite is one OAM candidate selected for the current line.
type sprite struct {
	index int
	x     int
	y     int
	tile  uint8
	flags uint8
}

// GPU runs the scanline state machine: mode 2 (OAM scan) for 80 dots, mode
// 3 (pixel transfer) for 172 dots plus penalties, mode 0 for the rest of
// the 456-dot line; lines 144-153 are mode 1. LY wraps at 154.
type GPU struct {
	memory      *memory.MMU
	framebuffer *FrameBuffer
	display     DisplaySink

	mode       GpuMode
	line       int
	dot        int
	mode3Dots  int
	windowLine int
	statLine   bool // level of the shared STAT interrupt line
	wasOff     bool

	sprites     []sprite
	spritePrio  SpritePriorityBuffer
	bgIndexLine [FramebufferWidth]byte // raw color index 0-3 per pixel
	bgPrioLine  [FramebufferWidth]bool // CGB BG-over-OBJ attribute per pixel
	shadeLine   [FramebufferWidth]byte // post-palette pixels handed to the sink
	colorLine   [FramebufferWidth]uint16
}

func NewGpu(mem *memory.MMU) *GPU {
	return &GPU{
		memory:      mem,
		framebuffer: NewFrameBuffer(),
		mode:        oamScanMode,
		sprites:     make([]sprite, 0, maxSpritesPerLine),
	}
}

func (g *GPU) GetFrameBuffer() *FrameBuffer {
	return g.framebuffer
}

// SetDisplaySink wires the host display; nil disconnects it.
func (g *GPU) SetDisplaySink(sink DisplaySink) { g.display = sink }

// Mode returns the current PPU mode (STAT bits 1-0).
func (g *GPU) Mode() int { return int(g.mode) }

// Line returns the current LY.
func (g *GPU) Line() int { return g.line }

func (g *GPU) lcdEnabled() bool {
	return bit.IsSet(7, g.memory.ReadIO(addr.LCDC))
}

// Tick advances the PPU by the given number of dots.
func (g *GPU) Tick(cycles int) {
	if !g.lcdEnabled() {
		if !g.wasOff {
			// turning the LCD off resets the line counter and forces mode 0
			g.wasOff = true
			g.line = 0
			g.dot = 0
			g.windowLine = 0
			g.setMode(hblankMode)
			g.memory.WriteIO(addr.LY, 0)
			g.framebuffer.Clear()
		}
		return
	}
	if g.wasOff {
		// resume cleanly at line 0
		g.wasOff = false
		g.setLY(0)
		g.setMode(oamScanMode)
	}

	for i := 0; i < cycles; i++ {
		g.stepDot()
	}
}

func (g *GPU) stepDot() {
	if g.line < visibleLines {
		switch g.dot {
		case 0:
			g.setMode(oamScanMode)
			g.scanOAM()
		case oamScanDots:
			g.setMode(pixelTransferMode)
			g.mode3Dots = g.computeMode3Dots()
			g.drawScanline()
		case oamScanDots + g.mode3Dots:
			g.setMode(hblankMode)
		}
	} else if g.dot == 0 && g.line == visibleLines {
		g.setMode(vblankMode)
		g.memory.RequestInterrupt(addr.VBlankInterrupt)
		if g.display != nil {
			g.display.Present()
		}
	}

	g.dot++
	if g.dot == scanlineDots {
		g.dot = 0
		g.setLY(g.line + 1)
	}
}

// computeMode3Dots applies the simplified pixel-transfer extension: the
// SCX fine-scroll discard plus a flat per-sprite fetch penalty.
func (g *GPU) computeMode3Dots() int {
	dots := pixelTransferDots
	dots += int(g.memory.ReadIO(addr.SCX) % 8)
	dots += 6 * len(g.sprites)
	return dots
}

// scanOAM walks the 40 OAM entries and selects up to 10 whose Y range
// covers the current line, preserving OAM order for priority.
func (g *GPU) scanOAM() {
	g.sprites = g.sprites[:0]

	height := 8
	if bit.IsSet(2, g.memory.ReadIO(addr.LCDC)) {
		height = 16
	}

	for index := 0; index < 40 && len(g.sprites) < maxSpritesPerLine; index++ {
		offset := uint16(index * 4)
		y := int(g.memory.ReadOAM(offset)) - 16
		if y > g.line || y+height <= g.line {
			continue
		}
		g.sprites = append(g.sprites, sprite{
			index: index,
			y:     y,
			x:     int(g.memory.ReadOAM(offset+1)) - 8,
			tile:  g.memory.ReadOAM(offset + 2),
			flags: g.memory.ReadOAM(offset + 3),
		})
	}
}

// setLY updates the line counter and re-evaluates the LYC comparison.
func (g *GPU) setLY(line int) {
	g.line = line % totalLines
	g.memory.WriteIO(addr.LY, byte(g.line))

	stat := g.memory.ReadIO(addr.STAT)
	if byte(g.line) == g.memory.ReadIO(addr.LYC) {
		stat = bit.Set(2, stat)
	} else {
		stat = bit.Reset(2, stat)
	}
	g.memory.WriteIO(addr.STAT, stat)
	g.updateStatLine()
}

// setMode sets STAT bits 1-0 and re-evaluates the interrupt line.
func (g *GPU) setMode(mode GpuMode) {
	g.mode = mode
	stat := g.memory.ReadIO(addr.STAT)
	g.memory.WriteIO(addr.STAT, stat&0xFC|byte(mode))
	g.updateStatLine()
}

// updateStatLine ORs the enabled STAT sources into one line; the interrupt
// fires only on its rising edge.
func (g *GPU) updateStatLine() {
	stat := g.memory.ReadIO(addr.STAT)

	level := false
	if bit.IsSet(6, stat) && bit.IsSet(2, stat) {
		level = true
	}
	switch g.mode {
	case hblankMode:
		level = level || bit.IsSet(3, stat)
	case vblankMode:
		level = level || bit.IsSet(4, stat)
	case oamScanMode:
		level = level || bit.IsSet(5, stat)
	}

	if level && !g.statLine {
		g.memory.RequestInterrupt(addr.LCDSTATInterrupt)
	}
	g.statLine = level
}

// drawScanline composes background, window and sprites for the current
// line, fills the framebuffer and pushes the line to the display sink.
func (g *GPU) drawScanline() {
	if g.memory.IsCGB() {
		g.drawBackgroundCGB()
		g.drawSprites()
		g.emitScanlineCGB()
		return
	}

	g.drawBackground()
	g.drawWindow()
	g.drawSprites()
	g.emitScanline()
}

func (g *GPU) emitScanline() {
	lineWidth := g.line * FramebufferWidth
	for x := 0; x < FramebufferWidth; x++ {
		g.framebuffer.buffer[lineWidth+x] = uint32(ByteToColor(g.shadeLine[x]))
	}
	if g.display != nil {
		g.display.DrawScanline(g.line, &g.shadeLine)
	}
}

func (g *GPU) emitScanlineCGB() {
	lineWidth := g.line * FramebufferWidth
	for x := 0; x < FramebufferWidth; x++ {
		g.framebuffer.buffer[lineWidth+x] = uint32(RGB555ToColor(g.colorLine[x]))
	}
	if sink, ok := g.display.(ColorDisplaySink); ok {
		sink.DrawScanlineColor(g.line, &g.colorLine)
	} else if g.display != nil {
		g.display.DrawScanline(g.line, &g.shadeLine)
	}
}

// tileDataAddress resolves a tile index through LCDC bit 4 (unsigned 0x8000
// vs signed 0x9000 addressing).
func (g *GPU) tileDataAddress(tileIndex uint8) uint16 {
	if bit.IsSet(4, g.memory.ReadIO(addr.LCDC)) {
		return addr.TileData0 + uint16(tileIndex)*16
	}
	return uint16(int(addr.TileData2) + int(int8(tileIndex))*16)
}

func (g *GPU) drawBackground() {
	lcdc := g.memory.ReadIO(addr.LCDC)
	palette := g.memory.ReadIO(addr.BGP)

	if !bit.IsSet(0, lcdc) {
		// BG disabled shows color 0 everywhere
		shade := palette & 0x03
		for x := 0; x < FramebufferWidth; x++ {
			g.bgIndexLine[x] = 0
			g.shadeLine[x] = shade
		}
		return
	}

	tileMap := addr.TileMap0
	if bit.IsSet(3, lcdc) {
		tileMap = addr.TileMap1
	}

	scrollX := int(g.memory.ReadIO(addr.SCX))
	scrollY := int(g.memory.ReadIO(addr.SCY))
	mapY := (g.line + scrollY) & 0xFF
	tileRow := uint16(mapY/8) * 32
	pixelY := mapY % 8

	for x := 0; x < FramebufferWidth; x++ {
		mapX := (x + scrollX) & 0xFF
		tileIndex := g.memory.ReadVRAM(0, tileMap+tileRow+uint16(mapX/8))
		tileAddr := g.tileDataAddress(tileIndex) + uint16(pixelY)*2

		low := g.memory.ReadVRAM(0, tileAddr)
		high := g.memory.ReadVRAM(0, tileAddr+1)

		pixelBit := uint8(7 - mapX%8)
		pixel := bit.GetBitValue(pixelBit, low) | bit.GetBitValue(pixelBit, high)<<1

		g.bgIndexLine[x] = pixel
		g.shadeLine[x] = (palette >> (pixel * 2)) & 0x03
	}
}

func (g *GPU) drawWindow() {
	lcdc := g.memory.ReadIO(addr.LCDC)
	if !bit.IsSet(5, lcdc) || !bit.IsSet(0, lcdc) {
		return
	}

	wy := int(g.memory.ReadIO(addr.WY))
	wx := int(g.memory.ReadIO(addr.WX)) - 7
	if g.line < wy || wx >= FramebufferWidth || g.windowLine > 143 {
		return
	}

	tileMap := addr.TileMap0
	if bit.IsSet(6, lcdc) {
		tileMap = addr.TileMap1
	}

	palette := g.memory.ReadIO(addr.BGP)
	tileRow := uint16(g.windowLine/8) * 32
	pixelY := g.windowLine % 8

	for x := wx; x < FramebufferWidth; x++ {
		if x < 0 {
			continue
		}
		windowX := x - wx
		tileIndex := g.memory.ReadVRAM(0, tileMap+tileRow+uint16(windowX/8))
		tileAddr := g.tileDataAddress(tileIndex) + uint16(pixelY)*2

		low := g.memory.ReadVRAM(0, tileAddr)
		high := g.memory.ReadVRAM(0, tileAddr+1)

		pixelBit := uint8(7 - windowX%8)
		pixel := bit.GetBitValue(pixelBit, low) | bit.GetBitValue(pixelBit, high)<<1

		g.bgIndexLine[x] = pixel
		g.shadeLine[x] = (palette >> (pixel * 2)) & 0x03
	}

	g.windowLine++
}

// drawBackgroundCGB renders background and window with the VRAM bank 1
// attribute map: palette (bits 2-0), tile bank (bit 3), flips (5-6) and
// BG-over-OBJ priority (bit 7).
func (g *GPU) drawBackgroundCGB() {
	lcdc := g.memory.ReadIO(addr.LCDC)
	paletteRAM := g.memory.BGPaletteRAM()

	scrollX := int(g.memory.ReadIO(addr.SCX))
	scrollY := int(g.memory.ReadIO(addr.SCY))

	windowEnabled := bit.IsSet(5, lcdc)
	wy := int(g.memory.ReadIO(addr.WY))
	wx := int(g.memory.ReadIO(addr.WX)) - 7
	windowOnLine := windowEnabled && g.line >= wy && wx < FramebufferWidth
	windowDrawn := false

	for x := 0; x < FramebufferWidth; x++ {
		var tileMap uint16
		var mapX, mapY int

		if windowOnLine && x >= wx && x >= 0 {
			tileMap = addr.TileMap0
			if bit.IsSet(6, lcdc) {
				tileMap = addr.TileMap1
			}
			mapX = x - wx
			mapY = g.windowLine
			windowDrawn = true
		} else {
			tileMap = addr.TileMap0
			if bit.IsSet(3, lcdc) {
				tileMap = addr.TileMap1
			}
			mapX = (x + scrollX) & 0xFF
			mapY = (g.line + scrollY) & 0xFF
		}

		mapEntry := tileMap + uint16(mapY/8)*32 + uint16(mapX/8)
		tileIndex := g.memory.ReadVRAM(0, mapEntry)
		attributes := g.memory.ReadVRAM(1, mapEntry)

		pixelY := mapY % 8
		if bit.IsSet(6, attributes) {
			pixelY = 7 - pixelY
		}
		bank := int(bit.GetBitValue(3, attributes))
		tileAddr := g.tileDataAddress(tileIndex) + uint16(pixelY)*2

		low := g.memory.ReadVRAM(bank, tileAddr)
		high := g.memory.ReadVRAM(bank, tileAddr+1)

		pixelBit := uint8(7 - mapX%8)
		if bit.IsSet(5, attributes) {
			pixelBit = uint8(mapX % 8)
		}
		pixel := bit.GetBitValue(pixelBit, low) | bit.GetBitValue(pixelBit, high)<<1

		g.bgIndexLine[x] = pixel
		g.bgPrioLine[x] = bit.IsSet(7, attributes)
		g.shadeLine[x] = pixel
		g.colorLine[x] = readPaletteColor(paletteRAM, attributes&0x07, pixel)
	}

	if windowDrawn {
		g.windowLine++
	}
}

// readPaletteColor pulls one 15-bit color out of CGB palette RAM.
func readPaletteColor(ram *[64]byte, palette, index uint8) uint16 {
	offset := int(palette)*8 + int(index)*2
	return uint16(ram[offset]) | uint16(ram[offset+1])<<8
}

func (g *GPU) drawSprites() {
	lcdc := g.memory.ReadIO(addr.LCDC)
	if !bit.IsSet(1, lcdc) {
		return
	}

	height := 8
	if bit.IsSet(2, lcdc) {
		height = 16
	}
	cgb := g.memory.IsCGB()

	// ownership pass: OAM order, lower X (or OAM index on CGB) wins
	g.spritePrio.Clear()
	for _, s := range g.sprites {
		priorityX := s.x
		if cgb {
			priorityX = 0
		}
		for offset := 0; offset < 8; offset++ {
			g.spritePrio.TryClaimPixel(s.x+offset, s.index, priorityX)
		}
	}

	for _, s := range g.sprites {
		tile := s.tile
		if height == 16 {
			tile &= 0xFE
		}

		pixelY := g.line - s.y
		if bit.IsSet(6, s.flags) {
			pixelY = height - 1 - pixelY
		}

		bank := 0
		if cgb {
			bank = int(bit.GetBitValue(3, s.flags))
		}
		tileAddr := addr.TileData0 + uint16(tile)*16 + uint16(pixelY)*2
		low := g.memory.ReadVRAM(bank, tileAddr)
		high := g.memory.ReadVRAM(bank, tileAddr+1)

		palette := g.memory.ReadIO(addr.OBP0)
		if bit.IsSet(4, s.flags) {
			palette = g.memory.ReadIO(addr.OBP1)
		}
		behindBG := bit.IsSet(7, s.flags)

		for pixelX := 0; pixelX < 8; pixelX++ {
			screenX := s.x + pixelX
			if screenX < 0 || screenX >= FramebufferWidth {
				continue
			}
			if g.spritePrio.GetOwner(screenX) != s.index {
				continue
			}

			pixelBit := uint8(7 - pixelX)
			if bit.IsSet(5, s.flags) {
				pixelBit = uint8(pixelX)
			}
			pixel := bit.GetBitValue(pixelBit, low) | bit.GetBitValue(pixelBit, high)<<1
			if pixel == 0 {
				// color 0 is transparent for sprites
				continue
			}

			if behindBG && g.bgIndexLine[screenX] != 0 {
				continue
			}
			if cgb && g.bgPrioLine[screenX] && g.bgIndexLine[screenX] != 0 && bit.IsSet(0, lcdc) {
				// BG attribute priority beats the sprite on CGB
				continue
			}

			if cgb {
				g.colorLine[screenX] = readPaletteColor(g.memory.OBJPaletteRAM(), s.flags&0x07, pixel)
			} else {
				g.shadeLine[screenX] = (palette >> (pixel * 2)) & 0x03
			}
		}
	}
}

// Serialize writes the PPU block of a save state.
func (g *GPU) Serialize(w io.Writer) error {
	for _, v := range []uint16{uint16(g.mode), uint16(g.line), uint16(g.dot), uint16(g.mode3Dots), uint16(g.windowLine)} {
		if err := stream.WriteU16(w, v); err != nil {
			return err
		}
	}
	if err := stream.WriteU8(w, boolByte(g.statLine)); err != nil {
		return err
	}
	return stream.WriteU8(w, boolByte(g.wasOff))
}

// Deserialize restores the PPU block of a save state.
func (g *GPU) Deserialize(r io.Reader) error {
	vals := make([]uint16, 5)
	for i := range vals {
		v, err := stream.ReadU16(r)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	g.mode = GpuMode(vals[0])
	g.line, g.dot, g.mode3Dots, g.windowLine = int(vals[1]), int(vals[2]), int(vals[3]), int(vals[4])
	statLine, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	wasOff, err := stream.ReadU8(r)
	if err != nil {
		return err
	}
	g.statLine, g.wasOff = statLine != 0, wasOff != 0
	return nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
