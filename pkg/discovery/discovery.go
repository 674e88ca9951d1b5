package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Vendor is a USB vendor whose serial bridges are known to work.
type Vendor struct {
	ID   string
	Name string
}

// DefaultVendors is the allow-list of USB-to-UART vendors, by USB vendor id.
var DefaultVendors = []Vendor{
	{ID: "303A", Name: "Espressif"},
	{ID: "1A86", Name: "WCH CH340"},
	{ID: "10C4", Name: "Silicon Labs CP210x"},
	{ID: "0403", Name: "FTDI"},
}

// DefaultBaudRates lists candidate baud rates, most likely first.
var DefaultBaudRates = []int{115200, 9600, 74880, 921600}

var (
	// ErrNoDevice means no attached serial device matched the allow-list.
	ErrNoDevice = errors.New("discovery: no compatible device found")
	// ErrExhausted means every (device, baud rate) candidate failed to open.
	ErrExhausted = errors.New("discovery: all candidates failed")
)

// Device describes an attached serial device.
type Device struct {
	Path         string `json:"path"`
	VendorID     string `json:"vendorId"`
	ProductID    string `json:"productId"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s (VID:%s, PID:%s)", d.Path, strings.ToLower(d.VendorID), strings.ToLower(d.ProductID))
}

// Enumerator lists the serial ports attached to the host.
type Enumerator interface {
	Devices() ([]Device, error)
}

// SystemEnumerator lists USB serial ports through the OS.
type SystemEnumerator struct{}

// Devices returns every USB serial port with its vendor and product ids.
func (SystemEnumerator) Devices() ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("discovery: list ports: %w", err)
	}
	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		devices = append(devices, Device{
			Path:         p.Name,
			VendorID:     p.VID,
			ProductID:    p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return devices, nil
}

// Discover lists attached devices and keeps those whose vendor id is in
// vendors, preserving enumeration order. An empty result is not an error.
func Discover(e Enumerator, vendors []Vendor) ([]Device, error) {
	all, err := e.Devices()
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(vendors))
	for _, v := range vendors {
		allowed[strings.ToUpper(v.ID)] = struct{}{}
	}

	var out []Device
	for _, d := range all {
		if _, ok := allowed[strings.ToUpper(d.VendorID)]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Port is an opened serial device.
type Port interface {
	io.ReadWriteCloser
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// PortOpener opens a device path at a baud rate.
type PortOpener interface {
	OpenPort(path string, baud int) (Port, error)
}

// InitFunc runs the device initialization sequence on a freshly opened port.
// It returns an error only when ctx is cancelled; individual step failures
// are the implementation's to log.
type InitFunc func(ctx context.Context, p Port, baud int) error

// Result is the winning candidate of a negotiation.
type Result struct {
	Device   Device
	BaudRate int
	Port     Port
}

// Negotiator tries (device, baud rate) candidates until one opens.
type Negotiator struct {
	Opener    PortOpener
	BaudRates []int
	Init      InitFunc
	Logger    *slog.Logger
}

// Negotiate walks devices in order and, for each, the baud rates in priority
// order. The first candidate that opens wins and the rest are skipped. A
// candidate that fails to open has any half-open handle closed before moving
// on. Cancelling ctx stops the walk and releases the current port.
func (n *Negotiator) Negotiate(ctx context.Context, devices []Device) (Result, error) {
	if len(devices) == 0 {
		return Result{}, ErrNoDevice
	}
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	rates := n.BaudRates
	if len(rates) == 0 {
		rates = DefaultBaudRates
	}

	var (
		lastErr  error
		attempts int
	)
	for _, dev := range devices {
		for _, baud := range rates {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}

			attempts++
			port, err := n.Opener.OpenPort(dev.Path, baud)
			if err != nil {
				log.DebugContext(ctx, "serial candidate failed",
					"device", dev.Path, "baud", baud, "error", err)
				closeQuietly(ctx, log, port, dev)
				lastErr = err
				continue
			}

			if n.Init != nil {
				if err := n.Init(ctx, port, baud); err != nil {
					closeQuietly(ctx, log, port, dev)
					return Result{}, err
				}
			}

			log.InfoContext(ctx, "serial device opened", "device", dev.Path, "baud", baud)
			return Result{Device: dev, BaudRate: baud, Port: port}, nil
		}
	}

	return Result{}, fmt.Errorf("%w: %d candidates, last error: %w", ErrExhausted, attempts, lastErr)
}

func closeQuietly(ctx context.Context, log *slog.Logger, p Port, dev Device) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		log.WarnContext(ctx, "closing serial candidate failed", "device", dev.Path, "error", err)
	}
}
