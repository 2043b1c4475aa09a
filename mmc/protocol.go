package mmc

// Command opcodes (JEDEC MMC / SD physical layer)
const (
	CMD_GO_IDLE_STATE     = 0  // bc
	CMD_SEND_OP_COND      = 1  // bcr, R3
	CMD_ALL_SEND_CID      = 2  // bcr, R2
	CMD_SET_RELATIVE_ADDR = 3  // ac, R1
	CMD_SLEEP_AWAKE       = 5  // ac, R1b
	CMD_SWITCH            = 6  // ac, R1b
	CMD_SELECT_CARD       = 7  // ac, R1
	CMD_SEND_EXT_CSD      = 8  // adtc, R1
	CMD_SEND_CSD          = 9  // ac, R2
	CMD_SEND_CID          = 10 // ac, R2
	CMD_STOP_TRANSMISSION = 12 // ac, R1b
	CMD_SEND_STATUS       = 13 // ac, R1
	CMD_READ_SINGLE_BLOCK = 17 // adtc, R1
	CMD_ERASE_GROUP_START = 35 // ac, R1
	CMD_ERASE_GROUP_END   = 36 // ac, R1
	CMD_ERASE             = 38 // ac, R1b
	CMD_LOCK_UNLOCK       = 42 // adtc, R1b
	CMD_SPI_READ_OCR      = 58 // spi, R3
	CMD_SPI_CRC_ON_OFF    = 59 // spi, R1
	CMD_VENDOR_62         = 62 // moviNAND diagnostic mode
)

// MaxOpcode is the largest opcode encodable in the 6-bit command index.
const MaxOpcode = 63

// Flags describe the expected response and the command class.
// Native and SPI response bits are independent; a transport picks
// the set matching its bus mode.
type Flags uint32

const (
	RSP_PRESENT Flags = 1 << 0
	RSP_136     Flags = 1 << 1 // 136 bit response
	RSP_CRC     Flags = 1 << 2 // expect valid crc
	RSP_BUSY    Flags = 1 << 3 // card may send busy
	RSP_OPCODE  Flags = 1 << 4 // response contains opcode

	CMD_MASK Flags = 3 << 5
	CMD_AC   Flags = 0 << 5 // addressed, no data
	CMD_ADTC Flags = 1 << 5 // addressed, data transfer
	CMD_BC   Flags = 2 << 5 // broadcast, no response
	CMD_BCR  Flags = 3 << 5 // broadcast with response

	RSP_SPI_S1   Flags = 1 << 7  // one status byte
	RSP_SPI_S2   Flags = 1 << 8  // second byte
	RSP_SPI_B4   Flags = 1 << 9  // four data bytes
	RSP_SPI_BUSY Flags = 1 << 10 // card may send busy
)

// Native response types
const (
	RSP_NONE Flags = 0
	RSP_R1   Flags = RSP_PRESENT | RSP_CRC | RSP_OPCODE
	RSP_R1B  Flags = RSP_PRESENT | RSP_CRC | RSP_OPCODE | RSP_BUSY
	RSP_R2   Flags = RSP_PRESENT | RSP_136 | RSP_CRC
	RSP_R3   Flags = RSP_PRESENT
)

// SPI response types
const (
	RSP_SPI_R1  Flags = RSP_SPI_S1
	RSP_SPI_R1B Flags = RSP_SPI_S1 | RSP_SPI_BUSY
	RSP_SPI_R2  Flags = RSP_SPI_S1 | RSP_SPI_S2
	RSP_SPI_R3  Flags = RSP_SPI_S1 | RSP_SPI_B4
)

const (
	nativeRspMask = RSP_PRESENT | RSP_136 | RSP_CRC | RSP_BUSY | RSP_OPCODE
	spiRspMask    = RSP_SPI_S1 | RSP_SPI_S2 | RSP_SPI_B4 | RSP_SPI_BUSY
)

// NativeResponse returns the native bus response type.
func (f Flags) NativeResponse() Flags { return f & nativeRspMask }

// SPIResponse returns the SPI response type.
func (f Flags) SPIResponse() Flags { return f & spiRspMask }

// Class returns the command class (AC, ADTC, BC or BCR).
func (f Flags) Class() Flags { return f & CMD_MASK }

// Busy reports whether the card may hold the bus busy after the response.
func (f Flags) Busy(spi bool) bool {
	if spi {
		return f&RSP_SPI_BUSY != 0
	}
	return f&RSP_BUSY != 0
}

// OCR bits
const (
	OCR_CARD_BUSY = 1 << 31 // power-up routine finished
	OCR_HCS       = 1 << 30 // high capacity
)

// SWITCH access modes
const (
	SWITCH_MODE_CMD_SET    = 0x00
	SWITCH_MODE_SET_BITS   = 0x01
	SWITCH_MODE_CLEAR_BITS = 0x02
	SWITCH_MODE_WRITE_BYTE = 0x03
)

// Retry ceilings and delays
const (
	// CMD_RETRIES is the default number of retries after a transient failure.
	CMD_RETRIES = 3

	// opCondAttempts bounds the SEND_OP_COND power-up loop.
	opCondAttempts = 100

	// MaxStatusPolls bounds every SEND_STATUS polling loop.
	MaxStatusPolls = 0xF0000
)

// Lock/unlock data block
const (
	LOCK_BLOCK_SIZE = 512
	LOCK_OP_LOCK    = 0x05 // set password and lock
	LOCK_OP_UNLOCK  = 0x02 // clear password
	LOCK_PWD_LEN    = 0x04
)

// lockPassword is written in bytes 2..5 of the CMD42 data block.
var lockPassword = [LOCK_PWD_LEN]byte{'1', '2', '3', '4'}

// Register sizes in bytes
const (
	CXD_SIZE     = 16
	EXT_CSD_SIZE = 512
)
