package capture

import (
	"fmt"
	"log/slog"

	"github.com/google/gousb"
)

// USBDevice identifies a USB measurement microphone
type USBDevice struct {
	VendorID  uint16
	ProductID uint16
}

// Configured reports whether an ID pair was set
func (d USBDevice) Configured() bool {
	return d.VendorID != 0 || d.ProductID != 0
}

func (d USBDevice) String() string {
	return fmt.Sprintf("VID=0x%04X PID=0x%04X", d.VendorID, d.ProductID)
}

// CheckUSB checks that the microphone is attached and can be opened.
// The device is released again immediately; capture itself runs through ALSA.
func CheckUSB(dev USBDevice, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	d, err := ctx.OpenDeviceWithVIDPID(gousb.ID(dev.VendorID), gousb.ID(dev.ProductID))
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrAudioSourceUnavailable, dev, err)
	}
	if d == nil {
		return fmt.Errorf("%w: microphone not found (%s)", ErrAudioSourceUnavailable, dev)
	}
	defer d.Close()

	manufacturer, _ := d.Manufacturer()
	product, _ := d.Product()

	logger.Info("USB microphone present",
		"vendor_id", fmt.Sprintf("0x%04X", dev.VendorID),
		"product_id", fmt.Sprintf("0x%04X", dev.ProductID),
		"manufacturer", manufacturer,
		"product", product,
	)

	return nil
}
