package memory

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	entryPointAddress       = 0x100
	logoAddress             = 0x104
	titleAddress            = 0x134
	titleLength             = 16
	cgbFlagAddress          = 0x143
	newLicenseCodeAddress   = 0x144
	sgbFlagAddress          = 0x146
	cartridgeTypeAddress    = 0x147
	romSizeAddress          = 0x148
	ramSizeAddress          = 0x149
	destinationCodeAddress  = 0x14A
	oldLicenseCodeAddress   = 0x14B
	versionNumberAddress    = 0x14C
	headerChecksumAddress   = 0x14D
	globalChecksumAddress   = 0x14E
	headerEnd               = 0x150
	romBankSize             = 0x4000
	ramBankSize             = 0x2000
	maxROMSize              = 8 * 1024 * 1024
)

// CartridgeStatus is the closed set of outcomes of loading a ROM image.
type CartridgeStatus int

const (
	NoROMLoaded CartridgeStatus = iota
	ROMFileNotReadable
	ROMParseError
	ROMTooBig
	ROMSizeMismatch
	ROMUnsupportedMBC
	RAMSizeUnsupported
	Loaded
)

func (s CartridgeStatus) String() string {
	switch s {
	case NoROMLoaded:
		return "no ROM was loaded"
	case ROMFileNotReadable:
		return "ROM file could not be read"
	case ROMParseError:
		return "selected file is either corrupted or not a Game Boy ROM"
	case ROMTooBig:
		return "selected file is too big"
	case ROMSizeMismatch:
		return "the size of the ROM file does not match its header information"
	case ROMUnsupportedMBC:
		return "the ROM file uses an unsupported memory banking chip (MBC)"
	case RAMSizeUnsupported:
		return "the ROM file requires a RAM size which is not supported"
	case Loaded:
		return "the ROM file has been loaded successfully"
	default:
		return "unknown status"
	}
}

// MBCType identifies which bank controller variant a cartridge carries.
type MBCType int

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

// nintendoLogo is the reference bitmap at 0x0104. The boot ROM refuses
// carts without it; we only warn, so header-less test ROMs still run.
var nintendoLogo = [48]byte{
	0xCE, 0xED, 0x66, 0x66, 0xCC, 0x0D, 0x00, 0x0B, 0x03, 0x73, 0x00, 0x83, 0x00, 0x0C, 0x00, 0x0D,
	0x00, 0x08, 0x11, 0x1F, 0x88, 0x89, 0x00, 0x0E, 0xDC, 0xCC, 0x6E, 0xE6, 0xDD, 0xDD, 0xD9, 0x99,
	0xBB, 0xBB, 0x67, 0x63, 0x6E, 0x0E, 0xEC, 0xCC, 0xDD, 0xDC, 0x99, 0x9F, 0xBB, 0xB9, 0x33, 0x3E,
}

// Cartridge holds an immutable ROM image plus the metadata decoded from its
// header. The MBC owns the mutable external RAM; the cartridge owns the ROM
// buffer for its full lifetime.
type Cartridge struct {
	data    []byte
	title   string
	cgbFlag byte
	sgbFlag byte
	version uint8

	cartType   uint8
	mbcType    MBCType
	hasBattery bool
	hasRTC     bool
	hasRumble  bool

	romBankCount int
	ramBankCount int

	headerChecksum byte
	globalChecksum uint16
}

// NewCartridge creates an empty cartridge, equivalent to powering on the
// console with nothing inserted. Reads float to 0xFF.
func NewCartridge() *Cartridge {
	return &Cartridge{mbcType: NoMBCType}
}

// NewCartridgeWithData parses a ROM image. On any status other than Loaded
// the returned cartridge is nil.
func NewCartridgeWithData(data []byte) (*Cartridge, CartridgeStatus) {
	if len(data) < headerEnd {
		return nil, ROMParseError
	}
	if len(data) > maxROMSize {
		return nil, ROMTooBig
	}

	logoOK := true
	for i, b := range nintendoLogo {
		if data[logoAddress+i] != b {
			logoOK = false
			break
		}
	}
	if !logoOK {
		slog.Warn("Cartridge logo does not match the reference bitmap")
	}

	cart := &Cartridge{
		data:           data,
		title:          strings.TrimRight(string(data[titleAddress:titleAddress+titleLength]), "\x00"),
		cgbFlag:        data[cgbFlagAddress],
		sgbFlag:        data[sgbFlagAddress],
		version:        data[versionNumberAddress],
		cartType:       data[cartridgeTypeAddress],
		headerChecksum: data[headerChecksumAddress],
		globalChecksum: uint16(data[globalChecksumAddress])<<8 | uint16(data[globalChecksumAddress+1]),
	}

	cart.mbcType, cart.hasBattery, cart.hasRTC, cart.hasRumble = classifyCartType(cart.cartType)
	if cart.mbcType == MBCUnknownType {
		return nil, ROMUnsupportedMBC
	}

	romSizeCode := data[romSizeAddress]
	if romSizeCode > 0x08 {
		return nil, ROMParseError
	}
	cart.romBankCount = 2 << romSizeCode
	if len(data) != cart.romBankCount*romBankSize {
		return nil, ROMSizeMismatch
	}

	ramBanks, ok := decodeRAMBanks(data[ramSizeAddress])
	if !ok {
		return nil, RAMSizeUnsupported
	}
	cart.ramBankCount = ramBanks

	slog.Debug("Parsed cartridge header",
		"title", cart.title,
		"type", fmt.Sprintf("0x%02X", cart.cartType),
		"romBanks", cart.romBankCount,
		"ramBanks", cart.ramBankCount,
		"cgb", fmt.Sprintf("0x%02X", cart.cgbFlag))

	return cart, Loaded
}

// classifyCartType maps the cartridge type byte at 0x0147 to the MBC family
// plus its battery/RTC/rumble extras.
func classifyCartType(code uint8) (mbc MBCType, battery, rtc, rumble bool) {
	switch code {
	case 0x00, 0x08:
		return NoMBCType, false, false, false
	case 0x09:
		return NoMBCType, true, false, false
	case 0x01, 0x02:
		return MBC1Type, false, false, false
	case 0x03:
		return MBC1Type, true, false, false
	case 0x05:
		return MBC2Type, false, false, false
	case 0x06:
		return MBC2Type, true, false, false
	case 0x0F:
		return MBC3Type, true, true, false
	case 0x10:
		return MBC3Type, true, true, false
	case 0x11, 0x12:
		return MBC3Type, false, false, false
	case 0x13:
		return MBC3Type, true, false, false
	case 0x19, 0x1A:
		return MBC5Type, false, false, false
	case 0x1B:
		return MBC5Type, true, false, false
	case 0x1C, 0x1D:
		return MBC5Type, false, false, true
	case 0x1E:
		return MBC5Type, true, false, true
	default:
		return MBCUnknownType, false, false, false
	}
}

// decodeRAMBanks maps the RAM size code at 0x0149 to 8 KiB bank counts.
// The ordering is the documented out-of-order one (0x05 = 64 KiB).
func decodeRAMBanks(code uint8) (banks int, ok bool) {
	switch code {
	case 0x00:
		return 0, true
	case 0x01:
		// 2 KiB carts still occupy one bank slot
		return 1, true
	case 0x02:
		return 1, true
	case 0x03:
		return 4, true
	case 0x04:
		return 16, true
	case 0x05:
		return 8, true
	default:
		return 0, false
	}
}

// Title returns the trimmed ASCII title from the header.
func (c *Cartridge) Title() string { return c.title }

// IsCGB reports whether the header requests CGB features.
func (c *Cartridge) IsCGB() bool { return c.cgbFlag == 0x80 || c.cgbFlag == 0xC0 }

// HasBattery reports whether cartridge RAM is battery backed.
func (c *Cartridge) HasBattery() bool { return c.hasBattery }

// ROMBanks returns the number of 16 KiB ROM banks.
func (c *Cartridge) ROMBanks() int { return c.romBankCount }

// RAMBanks returns the number of 8 KiB external RAM banks.
func (c *Cartridge) RAMBanks() int { return c.ramBankCount }

// ReadByte reads directly from the ROM image, without banking. Used by the
// header parser and tests; banked access goes through the MBC.
func (c *Cartridge) ReadByte(address uint16) uint8 {
	if int(address) >= len(c.data) {
		return 0xFF
	}
	return c.data[address]
}
