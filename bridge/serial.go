package bridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sergev/mmc/mmc"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	BaudRate    = 115200
	ReadTimeout = 2 * time.Second
)

// serialPort turns the silent timeout of serial.Port.Read into an error,
// so io.ReadFull cannot spin forever.
type serialPort struct {
	serial.Port
}

func (p serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, fmt.Errorf("no data from bridge in %v: %w", ReadTimeout, mmc.ErrTimeout)
	}
	return n, err
}

// FindSerial returns the first serial port with the given USB VID and PID.
func FindSerial(vid, pid uint16) (*enumerator.PortDetails, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		portVID, err := strconv.ParseUint(port.VID, 16, 16)
		if err != nil {
			continue
		}
		portPID, err := strconv.ParseUint(port.PID, 16, 16)
		if err != nil {
			continue
		}
		if uint16(portVID) == vid && uint16(portPID) == pid {
			return port, nil
		}
	}
	return nil, fmt.Errorf("no MMC bridge found (VID=0x%04X PID=0x%04X)", vid, pid)
}

// OpenSerial opens a bridge on the named serial port.
func OpenSerial(name string, baud int) (*Transport, error) {
	if baud <= 0 {
		baud = BaudRate
	}
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to flush %s: %w", name, err)
	}

	t, err := New(serialPort{port}, name)
	if err != nil {
		port.Close()
		return nil, err
	}
	t.closer = port.Close
	return t, nil
}
