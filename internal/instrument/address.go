package instrument

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is an immutable connection descriptor: either an instrument-bus
// resource string or a host and port for a raw socket.
type Address struct {
	resource string
	host     string
	port     int
}

// BusAddress describes an instrument reached through a VISA-style resource
// string. The string is parsed when the session connects.
func BusAddress(resource string) Address {
	return Address{resource: strings.TrimSpace(resource)}
}

// SocketAddress describes an instrument reached through a raw TCP socket.
func SocketAddress(host string, port int) Address {
	return Address{host: strings.TrimSpace(host), port: port}
}

func (a Address) String() string {
	if a.resource != "" {
		return a.resource
	}
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

// Endpoint resolves the address to a concrete transport endpoint.
func (a Address) Endpoint() (Endpoint, error) {
	if a.resource != "" {
		return ParseResource(a.resource)
	}
	if a.host == "" {
		return Endpoint{}, fmt.Errorf("empty instrument address")
	}
	if a.port <= 0 || a.port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %d", a.port)
	}
	return Endpoint{Kind: EndpointSocket, Host: a.host, Port: a.port}, nil
}

// EndpointKind selects the transport used for an Endpoint.
type EndpointKind int

const (
	EndpointSerial EndpointKind = iota + 1
	EndpointUSBTMC
	EndpointSocket
)

func (k EndpointKind) String() string {
	switch k {
	case EndpointSerial:
		return "serial"
	case EndpointUSBTMC:
		return "usbtmc"
	case EndpointSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Endpoint is a parsed resource.
type Endpoint struct {
	Kind EndpointKind

	// Path is the device node for serial ports, and for USBTMC devices when
	// given explicitly rather than by vendor/product/serial.
	Path string

	VendorID  uint16
	ProductID uint16
	Serial    string

	Host string
	Port int
}

// ParseResource parses the resource forms this package can open:
//
//	ASRL<n>::INSTR                          serial port n (ASRL1 is /dev/ttyS0)
//	ASRL/dev/ttyUSB0::INSTR                 serial port by device path
//	USB<n>::<vid>::<pid>::<serial>[::<i>]::INSTR  USB test & measurement class device
//	TCPIP<n>::<host>::<port>::SOCKET        raw socket
//	/dev/usbtmc<n>, /dev/tty...             explicit device node
//
// Vendor and product IDs may be decimal or 0x-prefixed hexadecimal.
func ParseResource(resource string) (Endpoint, error) {
	r := strings.TrimSpace(resource)
	if r == "" {
		return Endpoint{}, fmt.Errorf("empty resource string")
	}

	if strings.HasPrefix(r, "/dev/") {
		if strings.HasPrefix(r, "/dev/usbtmc") {
			return Endpoint{Kind: EndpointUSBTMC, Path: r}, nil
		}
		return Endpoint{Kind: EndpointSerial, Path: r}, nil
	}

	parts := strings.Split(r, "::")
	head := strings.ToUpper(parts[0])
	suffix := strings.ToUpper(parts[len(parts)-1])

	switch {
	case strings.HasPrefix(head, "ASRL"):
		if len(parts) != 2 || suffix != "INSTR" {
			return Endpoint{}, fmt.Errorf("invalid serial resource %q", resource)
		}
		port := parts[0][len("ASRL"):]
		if port == "" {
			return Endpoint{}, fmt.Errorf("invalid serial resource %q: missing port", resource)
		}
		if n, err := strconv.Atoi(port); err == nil {
			if n < 1 {
				return Endpoint{}, fmt.Errorf("invalid serial resource %q: port numbers start at 1", resource)
			}
			return Endpoint{Kind: EndpointSerial, Path: fmt.Sprintf("/dev/ttyS%d", n-1)}, nil
		}
		return Endpoint{Kind: EndpointSerial, Path: port}, nil

	case strings.HasPrefix(head, "USB"):
		if (len(parts) != 5 && len(parts) != 6) || suffix != "INSTR" {
			return Endpoint{}, fmt.Errorf("invalid USB resource %q", resource)
		}
		vid, err := parseID(parts[1])
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid USB resource %q: vendor id: %w", resource, err)
		}
		pid, err := parseID(parts[2])
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid USB resource %q: product id: %w", resource, err)
		}
		return Endpoint{Kind: EndpointUSBTMC, VendorID: vid, ProductID: pid, Serial: parts[3]}, nil

	case strings.HasPrefix(head, "TCPIP"):
		if len(parts) != 4 || suffix != "SOCKET" {
			return Endpoint{}, fmt.Errorf("invalid socket resource %q", resource)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid socket resource %q: bad port %q", resource, parts[2])
		}
		if parts[1] == "" {
			return Endpoint{}, fmt.Errorf("invalid socket resource %q: missing host", resource)
		}
		return Endpoint{Kind: EndpointSocket, Host: parts[1], Port: port}, nil
	}

	return Endpoint{}, fmt.Errorf("unsupported resource %q", resource)
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
