package gateway

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

const fallbackIP = "127.0.0.1"

// GatewayID derives a stable gateway identifier from the first
// hardware MAC address. Hosts without a usable interface get a random
// ID, unique per process start.
func GatewayID() string {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			mac := strings.ReplaceAll(iface.HardwareAddr.String(), ":", "")
			return fmt.Sprintf("gateway_%s", mac)
		}
	}
	return fmt.Sprintf("gateway_%s", uuid.NewString()[:12])
}

// LocalIP discovers the host's outbound IP address. A UDP dial never
// sends packets; it only asks the kernel which source address routing
// would pick.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallbackIP
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return fallbackIP
	}
	return addr.IP.String()
}
