package identity

import (
	"fmt"
	"net"
	"strings"
)

// Identity is the stable hardware identity of the device, taken from a network interface MAC.
type Identity struct {
	MAC net.HardwareAddr
}

func FromInterface(name string) (Identity, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to look up interface %s: %w", name, err)
	}
	if len(iface.HardwareAddr) == 0 {
		return Identity{}, fmt.Errorf("interface %s has no hardware address", name)
	}
	return Identity{MAC: iface.HardwareAddr}, nil
}

func Parse(mac string) (Identity, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid MAC %q: %w", mac, err)
	}
	return Identity{MAC: hw}, nil
}

// String is the colon form, upper case: AA:BB:CC:DD:EE:FF.
func (id Identity) String() string {
	return strings.ToUpper(id.MAC.String())
}

// Compact is the MAC without separators, used in topics and the MQTT client id.
func (id Identity) Compact() string {
	return strings.ReplaceAll(id.String(), ":", "")
}

func (id Identity) Bytes() []byte {
	return []byte(id.MAC)
}
