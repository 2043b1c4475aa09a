package bridge

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/gousb"
)

const (
	Interface       = 0
	EndpointBulkOut = 0x01
	EndpointBulkIn  = 0x82

	// Bulk reads are issued in multiples of the maximum packet size.
	usbReadBuffer = 4096
)

// usbLink joins the two bulk endpoints into one stream.
type usbLink struct {
	io.Reader
	io.Writer
}

// OpenUSB opens a bridge by VID and PID and claims its bulk endpoints.
func OpenUSB(vid, pid uint16) (*Transport, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		ctx.Close()
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("MMC bridge not found (VID=0x%04X PID=0x%04X)", vid, pid)
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to enable kernel driver auto-detach: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to get config 1: %w", err)
	}
	intf, err := cfg.Interface(Interface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("failed to claim interface %d: %w", Interface, err)
	}

	closeAll := func() error {
		intf.Close()
		cfg.Close()
		dev.Close()
		return ctx.Close()
	}

	out, err := intf.OutEndpoint(EndpointBulkOut)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to open bulk out endpoint: %w", err)
	}
	in, err := intf.InEndpoint(EndpointBulkIn)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to open bulk in endpoint: %w", err)
	}

	name := fmt.Sprintf("usb %03d:%03d", dev.Desc.Bus, dev.Desc.Address)
	t, err := New(usbLink{bufio.NewReaderSize(in, usbReadBuffer), out}, name)
	if err != nil {
		closeAll()
		return nil, err
	}
	t.closer = closeAll
	return t, nil
}
