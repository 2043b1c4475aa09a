package mmc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// EXT_CSD byte offsets
const (
	EXT_CSD_ERASE_GROUP_DEF  = 175
	EXT_CSD_PART_CONFIG      = 179
	EXT_CSD_BUS_WIDTH        = 183
	EXT_CSD_HS_TIMING        = 185
	EXT_CSD_POWER_CLASS      = 187
	EXT_CSD_CMD_SET          = 191
	EXT_CSD_REV              = 192
	EXT_CSD_STRUCTURE        = 194
	EXT_CSD_CARD_TYPE        = 196
	EXT_CSD_SEC_CNT          = 212 // 4 bytes, little endian
	EXT_CSD_S_A_TIMEOUT      = 217
	EXT_CSD_HC_WP_GRP_SIZE   = 221
	EXT_CSD_HC_ERASE_GP_SIZE = 224
	EXT_CSD_SEC_FEATURE      = 231
)

// Manufacturer IDs
const (
	MANFID_SANDISK = 0x02
	MANFID_TOSHIBA = 0x11
	MANFID_SAMSUNG = 0x15 // moviNAND
)

var tranExp = [8]uint32{10000, 100000, 1000000, 10000000, 0, 0, 0, 0}

var tranMant = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}

var taccExp = [8]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000}

var taccMant = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}

// Bits extracts size bits starting at bit start from a 128-bit register
// held most significant word first.
func (r Response) Bits(start, size uint) uint32 {
	if size == 0 || size > 32 || start+size > 128 {
		return 0
	}
	mask := uint32(1<<size - 1)
	if size == 32 {
		mask = 0xFFFFFFFF
	}
	off := 3 - start/32
	shift := start & 31

	res := r[off] >> shift
	if size+shift > 32 {
		res |= r[off-1] << (32 - shift)
	}
	return res & mask
}

// WordsFromBytes converts a register transferred as bytes into big-endian words.
func WordsFromBytes(b []byte) Response {
	var r Response
	for i := 0; i < 4 && len(b) >= (i+1)*4; i++ {
		r[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return r
}

// Bytes converts a register back to its wire byte order.
func (r Response) Bytes() []byte {
	b := make([]byte, CXD_SIZE)
	for i, w := range r {
		binary.BigEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// CID is the decoded card identification register.
type CID struct {
	Raw      Response
	ManfID   uint8
	OEMID    uint16
	ProdName string
	HwRev    uint8
	FwRev    uint8
	Serial   uint32
	Month    uint8
	Year     uint16
}

// DecodeCID decodes an MMC (v2+) CID register.
func DecodeCID(raw Response) CID {
	name := make([]byte, 0, 6)
	for start := uint(96); start >= 56; start -= 8 {
		name = append(name, byte(raw.Bits(start, 8)))
	}
	return CID{
		Raw:      raw,
		ManfID:   uint8(raw.Bits(120, 8)),
		OEMID:    uint16(raw.Bits(104, 16)),
		ProdName: strings.TrimRight(string(name), "\x00 "),
		HwRev:    uint8(raw.Bits(52, 4)),
		FwRev:    uint8(raw.Bits(48, 4)),
		Serial:   raw.Bits(16, 32),
		Month:    uint8(raw.Bits(12, 4)),
		Year:     uint16(raw.Bits(8, 4)) + 1997,
	}
}

func (c CID) String() string {
	return fmt.Sprintf("manfid 0x%02x oemid 0x%04x name %q rev %d.%d serial 0x%08x date %02d/%d",
		c.ManfID, c.OEMID, c.ProdName, c.HwRev, c.FwRev, c.Serial, c.Month, c.Year)
}

// CSD is the decoded card specific data register.
type CSD struct {
	Raw          Response
	Structure    uint8
	SpecVersion  uint8
	TaccNs       uint32
	TaccClks     uint32
	MaxDtr       uint32
	CmdClass     uint16
	Capacity     uint32 // in read blocks
	ReadBlkBits  uint8
	WriteBlkBits uint8
	R2WFactor    uint8
}

// DecodeCSD decodes an MMC CSD register.
func DecodeCSD(raw Response) (CSD, error) {
	csd := CSD{
		Raw:       raw,
		Structure: uint8(raw.Bits(126, 2)),
	}
	if csd.Structure == 0 {
		return csd, fmt.Errorf("unrecognised CSD structure version %d: %w", csd.Structure, ErrBadResponse)
	}

	csd.SpecVersion = uint8(raw.Bits(122, 4))

	m := raw.Bits(115, 4)
	e := raw.Bits(112, 3)
	csd.TaccNs = (taccExp[e]*taccMant[m] + 9) / 10
	csd.TaccClks = raw.Bits(104, 8) * 100

	m = raw.Bits(99, 4)
	e = raw.Bits(96, 3)
	csd.MaxDtr = tranExp[e] * tranMant[m]
	csd.CmdClass = uint16(raw.Bits(84, 12))

	e = raw.Bits(47, 3)
	m = raw.Bits(62, 12)
	csd.Capacity = (1 + m) << (e + 2)

	csd.ReadBlkBits = uint8(raw.Bits(80, 4))
	csd.R2WFactor = uint8(raw.Bits(26, 3))
	csd.WriteBlkBits = uint8(raw.Bits(22, 4))
	return csd, nil
}

func (c CSD) String() string {
	return fmt.Sprintf("structure %d spec %d tacc %dns+%dclk dtr %dHz blocks %d r2w %d",
		c.Structure, c.SpecVersion, c.TaccNs, c.TaccClks, c.MaxDtr, c.Capacity, c.R2WFactor)
}

// ExtCSD holds the extended CSD fields used by the core.
type ExtCSD struct {
	Raw             []byte
	Rev             uint8
	Structure       uint8
	CardType        uint8
	Sectors         uint32
	SATimeout       uint32 // sleep/awake timeout in 100 ns units
	EraseGroupDef   uint8
	HCEraseGrpSize  uint8
	HCWPGrpSize     uint8
	PartitionConfig uint8
	BusWidth        uint8
	HSTiming        uint8
	SecFeature      uint8
}

// DecodeExtCSD decodes a 512-byte EXT_CSD block.
func DecodeExtCSD(b []byte) (ExtCSD, error) {
	if len(b) < EXT_CSD_SIZE {
		return ExtCSD{}, fmt.Errorf("EXT_CSD is %d bytes, want %d: %w", len(b), EXT_CSD_SIZE, ErrBadResponse)
	}
	ext := ExtCSD{
		Raw:             append([]byte(nil), b[:EXT_CSD_SIZE]...),
		Rev:             b[EXT_CSD_REV],
		Structure:       b[EXT_CSD_STRUCTURE],
		CardType:        b[EXT_CSD_CARD_TYPE],
		EraseGroupDef:   b[EXT_CSD_ERASE_GROUP_DEF],
		PartitionConfig: b[EXT_CSD_PART_CONFIG],
		BusWidth:        b[EXT_CSD_BUS_WIDTH],
		HSTiming:        b[EXT_CSD_HS_TIMING],
	}
	if ext.Structure > 2 {
		return ext, fmt.Errorf("unrecognised EXT_CSD structure version %d: %w", ext.Structure, ErrBadResponse)
	}
	if ext.Rev >= 2 {
		ext.Sectors = binary.LittleEndian.Uint32(b[EXT_CSD_SEC_CNT:])
	}
	if ext.Rev >= 3 {
		shift := b[EXT_CSD_S_A_TIMEOUT]
		if shift > 0 && shift <= 0x17 {
			ext.SATimeout = 1 << shift
		}
		ext.HCEraseGrpSize = b[EXT_CSD_HC_ERASE_GP_SIZE]
		ext.HCWPGrpSize = b[EXT_CSD_HC_WP_GRP_SIZE]
	}
	if ext.Rev >= 4 {
		ext.SecFeature = b[EXT_CSD_SEC_FEATURE]
	}
	return ext, nil
}

// SleepAwakeDelayMs returns the sleep/awake timeout rounded up to milliseconds.
func (e ExtCSD) SleepAwakeDelayMs() int {
	return int((e.SATimeout + 9999) / 10000)
}
