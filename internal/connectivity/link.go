package connectivity

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// Link is the network attachment the device joins.
type Link interface {
	// Join starts association with ssid. It may return before the link is up.
	Join(ssid, passphrase string) error
	Up() bool
	LocalIP() string
}

// NewLink returns the link backend named by kind: "nmcli" or "none".
func NewLink(kind, iface string, timeout time.Duration) (Link, error) {
	switch kind {
	case "nmcli":
		return &NMCLI{Interface: iface, Timeout: timeout}, nil
	case "none", "":
		return &Host{Interface: iface}, nil
	default:
		return nil, fmt.Errorf("unknown wifi backend %q", kind)
	}
}

// runCommand executes an external tool. Replaced in tests.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// NMCLI joins networks through NetworkManager.
type NMCLI struct {
	Interface string
	Timeout   time.Duration
}

func (n *NMCLI) Join(ssid, passphrase string) error {
	args := []string{"--wait", fmt.Sprint(int(n.Timeout.Seconds())), "device", "wifi", "connect", ssid}
	if passphrase != "" {
		args = append(args, "password", passphrase)
	}
	if n.Interface != "" {
		args = append(args, "ifname", n.Interface)
	}
	out, err := runCommand("nmcli", args...)
	if err != nil {
		return fmt.Errorf("nmcli connect %s failed: %s (output: %s)", ssid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (n *NMCLI) Up() bool {
	out, err := runCommand("nmcli", "-t", "-f", "DEVICE,STATE", "device")
	if err != nil {
		return false
	}
	return deviceConnected(out, n.Interface)
}

func (n *NMCLI) LocalIP() string {
	return interfaceIPv4(n.Interface)
}

// deviceConnected parses `nmcli -t -f DEVICE,STATE device` output.
func deviceConnected(out []byte, iface string) bool {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		dev, state, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		if (iface == "" || dev == iface) && state == "connected" {
			return true
		}
	}
	return false
}

// Host assumes networking is managed outside the daemon; it only observes the interface.
type Host struct {
	Interface string
}

func (h *Host) Join(string, string) error { return nil }

func (h *Host) Up() bool {
	return interfaceIPv4(h.Interface) != ""
}

func (h *Host) LocalIP() string {
	return interfaceIPv4(h.Interface)
}

func interfaceIPv4(name string) string {
	iface, err := net.InterfaceByName(name)
	if err != nil || iface.Flags&net.FlagUp == 0 {
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return ""
}
