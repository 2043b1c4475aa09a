package mmc

import "fmt"

// OCR_VDD_WINDOW is the 2.7-3.6 V voltage window offered during power up.
const OCR_VDD_WINDOW = 0x00FF8000

// IdentifyOptions configure the bring-up sequence.
type IdentifyOptions struct {
	// RCA assigned to the card on a native bus. Zero selects 1.
	RCA uint16

	// OCR is the voltage window offered to the card. Zero selects OCR_VDD_WINDOW.
	OCR uint32

	// CRC enables CRC checking on an SPI bus.
	CRC bool
}

// Identify resets the bus and brings one card to the transfer state.
// CID, CSD and, for MMC 4.x cards, EXT_CSD are cached on the returned card.
// Only MMC bring-up (CMD1) is done here, so the card type is always CardMMC;
// a caller that brings up an SD or SDIO card sets Card.Type itself before
// computing data timeouts.
func (h *Host) Identify(opts IdentifyOptions) (*Card, error) {
	if opts.RCA == 0 {
		opts.RCA = 1
	}
	if opts.OCR == 0 {
		opts.OCR = OCR_VDD_WINDOW
	}

	var card *Card
	var err error
	if h.IsSPI() {
		card, err = h.identifySPI(opts)
	} else {
		card, err = h.identifyNative(opts)
	}
	if err != nil {
		return nil, err
	}

	if err := card.readRegisters(); err != nil {
		return nil, err
	}
	h.log().Info("card identified", "rca", card.RCA, "cid", card.CID.String(),
		"sectors", card.ExtCSD.Sectors, "block_addressed", card.BlockAddressed)
	return card, nil
}

func (h *Host) identifyNative(opts IdentifyOptions) (*Card, error) {
	if err := h.GoIdle(); err != nil {
		return nil, fmt.Errorf("failed to reset card: %w", err)
	}

	ocr, err := h.SendOpCond(0)
	if err != nil {
		return nil, fmt.Errorf("failed to probe operating conditions: %w", err)
	}
	h.log().Debug("card OCR", "ocr", fmt.Sprintf("%#08x", ocr))

	ocr, err = h.SendOpCond(ocr&opts.OCR | OCR_HCS)
	if err != nil {
		return nil, fmt.Errorf("failed to power up card: %w", err)
	}

	cid, err := h.AllSendCID()
	if err != nil {
		return nil, fmt.Errorf("failed to read CID: %w", err)
	}

	card := NewCard(h, opts.RCA)
	card.Type = CardMMC
	card.BlockAddressed = ocr&OCR_HCS != 0
	card.CID = DecodeCID(cid)

	if err := card.SetRelativeAddr(); err != nil {
		return nil, fmt.Errorf("failed to set relative address: %w", err)
	}
	return card, nil
}

func (h *Host) identifySPI(opts IdentifyOptions) (*Card, error) {
	if err := h.GoIdle(); err != nil {
		return nil, fmt.Errorf("failed to reset card: %w", err)
	}

	if _, err := h.SendOpCond(opts.OCR | OCR_HCS); err != nil {
		return nil, fmt.Errorf("failed to power up card: %w", err)
	}

	ocr, err := h.SPIReadOCR(false)
	if err != nil {
		return nil, fmt.Errorf("failed to read OCR: %w", err)
	}

	if err := h.SPISetCRC(opts.CRC); err != nil {
		return nil, fmt.Errorf("failed to set CRC mode: %w", err)
	}

	card := NewCard(h, opts.RCA)
	card.Type = CardMMC
	card.BlockAddressed = ocr&OCR_HCS != 0

	cid, err := h.SendCID()
	if err != nil {
		return nil, fmt.Errorf("failed to read CID: %w", err)
	}
	card.CID = DecodeCID(cid)
	return card, nil
}

// readRegisters caches CSD and EXT_CSD and leaves the card selected.
func (c *Card) readRegisters() error {
	raw, err := c.SendCSD()
	if err != nil {
		return fmt.Errorf("failed to read CSD: %w", err)
	}
	c.CSD, err = DecodeCSD(raw)
	if err != nil {
		return err
	}

	if !c.Host.IsSPI() {
		if err := c.Select(); err != nil {
			return fmt.Errorf("failed to select card: %w", err)
		}
	}

	if c.CSD.SpecVersion < 4 {
		return nil
	}

	ext, err := c.SendExtCSD()
	if err != nil {
		return fmt.Errorf("failed to read EXT_CSD: %w", err)
	}
	c.ExtCSD, err = DecodeExtCSD(ext)
	if err != nil {
		return err
	}
	// Cards above 2 GiB are sector addressed.
	if c.ExtCSD.Sectors > (2<<30)/512 {
		c.BlockAddressed = true
	}
	return nil
}
