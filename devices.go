package felutils

import (
	"fmt"
	"sync"

	"github.com/google/gousb"
)

var (
	mutexPairs  sync.Mutex
	devicePairs = [][2]gousb.ID{
		{FEL_VID, FEL_PID}, //Allwinner FEL/FES
	}
)

// RegisterDevicePair adds another VID:PID pair that speaks FEL.
func RegisterDevicePair(vid, pid uint16) {
	mutexPairs.Lock()
	defer mutexPairs.Unlock()
	for _, pair := range devicePairs {
		if pair[0] == gousb.ID(vid) && pair[1] == gousb.ID(pid) {
			return
		}
	}
	devicePairs = append(devicePairs, [2]gousb.ID{gousb.ID(vid), gousb.ID(pid)})
}

func knownPair(vid, pid gousb.ID) bool {
	mutexPairs.Lock()
	defer mutexPairs.Unlock()
	for _, pair := range devicePairs {
		if pair[0] == vid && pair[1] == pid {
			return true
		}
	}
	return false
}

// DeviceEntry describes an attached FEL device without claiming it.
type DeviceEntry struct {
	Bus     int
	Address int
	Vendor  uint16
	Product uint16
	Speed   string
}

// BusAddr is the selector accepted by Open.
func (e DeviceEntry) BusAddr() string {
	return fmt.Sprintf("%d:%d", e.Bus, e.Address)
}

func (e DeviceEntry) String() string {
	return fmt.Sprintf("Bus %03d Device %03d: ID %04x:%04x (%s)", e.Bus, e.Address, e.Vendor, e.Product, e.Speed)
}

// ListDevices returns every attached device matching a registered pair.
func ListDevices() ([]DeviceEntry, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var list []DeviceEntry
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if knownPair(desc.Vendor, desc.Product) {
			list = append(list, DeviceEntry{
				Bus:     desc.Bus,
				Address: desc.Address,
				Vendor:  uint16(desc.Vendor),
				Product: uint16(desc.Product),
				Speed:   desc.Speed.String(),
			})
		}
		// Descriptors are enough, never open anything
		return false
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil && len(list) == 0 {
		return nil, fmt.Errorf("error listing devices: %w", err)
	}
	return list, nil
}
