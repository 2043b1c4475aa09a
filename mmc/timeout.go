package mmc

import "math"

// SetDataTimeout fills the data timeout from the card's cached CSD access
// time. A nil card leaves only the SPI minimums applied.
func SetDataTimeout(data *Data, card *Card, h *Host) {
	data.TimeoutNs = 0
	data.TimeoutClks = 0

	if card != nil {
		setCardTimeout(data, card, h)
	}

	// Some cards need very high timeouts in SPI mode; the worst observed
	// was 900 ms after writing a continuous stream of data.
	if h != nil && h.IsSPI() {
		if data.Dir == DataWrite {
			if data.TimeoutNs < 1000000000 {
				data.TimeoutNs = 1000000000
			}
		} else if data.TimeoutNs < 100000000 {
			data.TimeoutNs = 100000000
		}
	}
}

func setCardTimeout(data *Data, card *Card, h *Host) {
	// SDIO cards only define an upper 1 s limit on access.
	if card.Type == CardSDIO {
		data.TimeoutNs = 1000000000
		data.TimeoutClks = 0
		return
	}

	// SD cards use a 100 multiplier rather than 10
	mult := uint32(10)
	if card.Type == CardSD {
		mult = 100
	}

	// Writes are slower by the R2W factor.
	if data.Dir == DataWrite {
		mult <<= card.CSD.R2WFactor
	}

	data.TimeoutNs = saturate(uint64(card.CSD.TaccNs) * uint64(mult))
	data.TimeoutClks = saturate(uint64(card.CSD.TaccClks) * uint64(mult))

	// SD cards also have an upper limit on the timeout.
	if card.Type == CardSD {
		timeoutUs := uint64(data.TimeoutNs) / 1000
		if h != nil && h.ClockHz >= 1000 {
			timeoutUs += uint64(data.TimeoutClks) * 1000 / uint64(h.ClockHz/1000)
		}

		limitUs := uint64(100000)
		if data.Dir == DataWrite {
			limitUs = 3000000
		}

		// High capacity cards always use the fixed limits.
		if timeoutUs > limitUs || card.BlockAddressed {
			data.TimeoutNs = uint32(limitUs * 1000)
			data.TimeoutClks = 0
		}
	}

	if card.Quirks&QuirkLongReadTime != 0 && data.Dir == DataRead {
		data.TimeoutNs = 300000000
		data.TimeoutClks = 0
	}
}

func saturate(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
