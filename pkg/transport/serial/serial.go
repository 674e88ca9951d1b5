package serial

import (
	"context"
	"fmt"
	"log/slog"

	bugserial "go.bug.st/serial"

	"github.com/sarwaaaar/pwn0gotchi/pkg/discovery"
	"github.com/sarwaaaar/pwn0gotchi/pkg/transport"
)

// SystemOpener opens real serial devices in 8N1 mode without flow control.
type SystemOpener struct{}

// OpenPort opens path at baud.
func (SystemOpener) OpenPort(path string, baud int) (discovery.Port, error) {
	p, err := bugserial.Open(path, &bugserial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugserial.NoParity,
		StopBits: bugserial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serial: open %s at %d baud: %w", path, baud, err)
	}
	return p, nil
}

// Opener discovers a compatible device, negotiates a baud rate, runs the
// initialization handshake and exposes the port as a transport.
type Opener struct {
	Enumerator discovery.Enumerator
	Ports      discovery.PortOpener
	Vendors    []discovery.Vendor
	BaudRates  []int
	// Handshake runs on the winning port. Nil skips initialization.
	Handshake *Handshake
	Logger    *slog.Logger
}

var _ transport.Opener = (*Opener)(nil)

// NewOpener returns an Opener wired to the host's serial devices with the
// default vendor allow-list, baud rates and handshake.
func NewOpener(log *slog.Logger) *Opener {
	return &Opener{
		Enumerator: discovery.SystemEnumerator{},
		Ports:      SystemOpener{},
		Vendors:    discovery.DefaultVendors,
		BaudRates:  discovery.DefaultBaudRates,
		Handshake:  NewHandshake(log),
		Logger:     log,
	}
}

// Open ignores p: the serial transport takes no client parameters.
func (o *Opener) Open(ctx context.Context, _ transport.Params) (transport.Transport, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}

	devices, err := discovery.Discover(o.Enumerator, o.Vendors)
	if err != nil {
		return nil, err
	}
	log.DebugContext(ctx, "serial discovery", "candidates", len(devices))

	n := &discovery.Negotiator{
		Opener:    o.Ports,
		BaudRates: o.BaudRates,
		Logger:    log,
	}
	if o.Handshake != nil {
		n.Init = o.Handshake.Run
	}

	res, err := n.Negotiate(ctx, devices)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = res.Port.Close()
		return nil, err
	}

	return transport.NewLink(transport.LinkConfig{
		Info: transport.Info{
			Kind:      transport.KindSerial,
			Device:    res.Device.Path,
			VendorID:  res.Device.VendorID,
			ProductID: res.Device.ProductID,
			BaudRate:  res.BaudRate,
		},
		Output: res.Port,
		Input:  res.Port,
		Close:  res.Port.Close,
		Logger: log,
	}), nil
}
