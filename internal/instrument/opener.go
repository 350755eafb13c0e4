package instrument

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Opener creates a Transport for a resolved endpoint.
type Opener interface {
	Open(ctx context.Context, ep Endpoint, timeout time.Duration) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, ep Endpoint, timeout time.Duration) (Transport, error)

func (f OpenerFunc) Open(ctx context.Context, ep Endpoint, timeout time.Duration) (Transport, error) {
	return f(ctx, ep, timeout)
}

// SystemOpener opens real serial ports, USBTMC character devices and TCP
// sockets.
type SystemOpener struct {
	Serial SerialOptions

	// SysfsRoot and DevRoot locate USBTMC devices by vendor, product and
	// serial number. They default to /sys and /dev.
	SysfsRoot string
	DevRoot   string
}

func (o SystemOpener) Open(ctx context.Context, ep Endpoint, timeout time.Duration) (Transport, error) {
	switch ep.Kind {
	case EndpointSocket:
		return dialSocket(ctx, ep, timeout)
	case EndpointSerial:
		return openSerial(ep.Path, o.Serial, timeout)
	case EndpointUSBTMC:
		path := ep.Path
		if path == "" {
			var err error
			path, err = o.findUSBTMC(ep)
			if err != nil {
				return nil, err
			}
		}
		return openUSBTMC(path, timeout)
	}
	return nil, fmt.Errorf("unsupported endpoint kind %v", ep.Kind)
}

func dialSocket(ctx context.Context, ep Endpoint, timeout time.Duration) (Transport, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
	if err != nil {
		return nil, err
	}
	return newFramedTransport(conn, timeout), nil
}

func openUSBTMC(path string, timeout time.Duration) (Transport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return newFramedTransport(f, timeout), nil
}

func openSerial(path string, opts SerialOptions, timeout time.Duration) (Transport, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	t := newFramedTransport(port, timeout)
	t.zeroReadIsTimeout = true
	return t, nil
}

// findUSBTMC walks <sysfs>/class/usbmisc/usbtmc* and returns the device node
// whose parent USB device matches the endpoint's vendor, product and serial.
func (o SystemOpener) findUSBTMC(ep Endpoint) (string, error) {
	sysRoot := o.SysfsRoot
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	devRoot := o.DevRoot
	if devRoot == "" {
		devRoot = "/dev"
	}

	classDir := filepath.Join(sysRoot, "class", "usbmisc")
	entries, err := os.ReadDir(classDir)
	if err != nil {
		return "", fmt.Errorf("failed to list USBTMC devices: %w", err)
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "usbtmc") {
			continue
		}
		iface, err := filepath.EvalSymlinks(filepath.Join(classDir, e.Name(), "device"))
		if err != nil {
			continue
		}
		usbDev := filepath.Dir(iface)
		vid, err := readSysfsID(filepath.Join(usbDev, "idVendor"))
		if err != nil || vid != ep.VendorID {
			continue
		}
		pid, err := readSysfsID(filepath.Join(usbDev, "idProduct"))
		if err != nil || pid != ep.ProductID {
			continue
		}
		if ep.Serial != "" {
			serialNo, err := os.ReadFile(filepath.Join(usbDev, "serial"))
			if err != nil || strings.TrimSpace(string(serialNo)) != ep.Serial {
				continue
			}
		}
		return filepath.Join(devRoot, e.Name()), nil
	}

	return "", fmt.Errorf("no USBTMC device %04x:%04x serial %q", ep.VendorID, ep.ProductID, ep.Serial)
}

// readSysfsID reads a hexadecimal id file such as idVendor.
func readSysfsID(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
