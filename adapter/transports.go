package adapter

import (
	"github.com/sergev/mmc/bridge"
	"github.com/sergev/mmc/config"
	"github.com/sergev/mmc/mmc"
	"github.com/sergev/mmc/sim"
	"github.com/sergev/mmc/spihost"

	"periph.io/x/conn/v3/physic"
)

func init() {
	RegisterAdapter(config.TransportSim, openSim)
	RegisterAdapter(config.TransportSerial, openSerial)
	RegisterAdapter(config.TransportUSB, openUSB)
	RegisterAdapter(config.TransportSPI, openSPI)
}

func openSim(h *config.Host) (Adapter, error) {
	var caps mmc.Caps
	if h.SPI {
		caps |= mmc.CapSPI
	}
	if h.WaitWhileBusy {
		caps |= mmc.CapWaitWhileBusy
	}
	return sim.NewFromProfile(h.Profile, caps)
}

func openSerial(h *config.Host) (Adapter, error) {
	port := h.Port
	if port == "" {
		details, err := bridge.FindSerial(uint16(h.VID), uint16(h.PID))
		if err != nil {
			return nil, err
		}
		port = details.Name
	}
	return bridge.OpenSerial(port, h.Baud)
}

func openUSB(h *config.Host) (Adapter, error) {
	return bridge.OpenUSB(uint16(h.VID), uint16(h.PID))
}

func openSPI(h *config.Host) (Adapter, error) {
	return spihost.Open(h.Port, h.CSPin, physic.Frequency(h.SpeedKHz)*physic.KiloHertz)
}
