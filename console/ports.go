package console

import (
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial/enumerator"
)

var (
	mutexPorts sync.Mutex
	knownPorts []*enumerator.PortDetails

	adapterPairs = [][]string{
		{"0403", "6001"}, //FTDI FT232R
		{"0403", "6015"}, //FTDI FT231X
		{"1A86", "7523"}, //CH340
		{"10C4", "EA60"}, //CP210x
		{"067B", "2303"}, //PL2303
	}
)

// RegisterAdapter adds a USB serial adapter to the ones picked by FindAdapter.
func RegisterAdapter(vid, pid string) {
	mutexPorts.Lock()
	defer mutexPorts.Unlock()
	vid, pid = strings.ToUpper(vid), strings.ToUpper(pid)
	for _, pair := range adapterPairs {
		if pair[0] == vid && pair[1] == pid {
			return
		}
	}
	adapterPairs = append(adapterPairs, []string{vid, pid})
}

func refreshPorts() error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return err
	}
	mutexPorts.Lock()
	knownPorts = ports
	mutexPorts.Unlock()
	return nil
}

// Ports lists the serial ports of the host.
func Ports() ([]*enumerator.PortDetails, error) {
	if err := refreshPorts(); err != nil {
		return nil, fmt.Errorf("console: failed to list ports: %w", err)
	}
	mutexPorts.Lock()
	defer mutexPorts.Unlock()
	return append([]*enumerator.PortDetails(nil), knownPorts...), nil
}

// FindAdapter returns the first port backed by a known USB serial adapter.
func FindAdapter() (*enumerator.PortDetails, error) {
	ports, err := Ports()
	if err != nil {
		return nil, err
	}
	mutexPorts.Lock()
	defer mutexPorts.Unlock()
	for _, pair := range adapterPairs {
		for _, port := range ports {
			if port.IsUSB && strings.EqualFold(port.VID, pair[0]) && strings.EqualFold(port.PID, pair[1]) {
				return port, nil
			}
		}
	}
	return nil, fmt.Errorf("console: no serial adapter found")
}

// Describe formats a port the way the ports command prints it.
func Describe(port *enumerator.PortDetails) string {
	if !port.IsUSB {
		return port.Name
	}
	desc := fmt.Sprintf("%s [%s:%s]", port.Name, port.VID, port.PID)
	if port.Product != "" {
		desc += " " + port.Product
	}
	if port.SerialNumber != "" {
		desc += " (" + port.SerialNumber + ")"
	}
	return desc
}
