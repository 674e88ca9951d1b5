package serial

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sarwaaaar/pwn0gotchi/pkg/discovery"
)

// Step is one action of the initialization sequence followed by a settle
// delay.
type Step struct {
	Name   string
	Do     func(p discovery.Port, baud int) error
	Settle time.Duration
}

// Handshake wakes a freshly opened device. Steps are fire-and-forget: the
// device is not required to acknowledge anything, and a failed step is
// logged before the sequence moves on.
type Handshake struct {
	Steps []Step
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// NewHandshake returns the default sequence: pulse the control lines, send
// three carriage-return pairs, the AT escape sequence, an attention command
// and a UART configuration command for the negotiated baud rate.
func NewHandshake(log *slog.Logger) *Handshake {
	return &Handshake{Steps: DefaultSteps(), Sleep: sleepContext, Logger: log}
}

// DefaultSteps returns the default initialization sequence. The delays are
// empirical and may need tuning per device.
func DefaultSteps() []Step {
	return []Step{
		{Name: "control lines off", Do: setControlLines(false), Settle: 100 * time.Millisecond},
		{Name: "control lines on", Do: setControlLines(true), Settle: 500 * time.Millisecond},
		{Name: "carriage return 1", Do: send("\r\n"), Settle: 100 * time.Millisecond},
		{Name: "carriage return 2", Do: send("\r\n"), Settle: 100 * time.Millisecond},
		{Name: "carriage return 3", Do: send("\r\n"), Settle: 100 * time.Millisecond},
		{Name: "escape", Do: send("+++"), Settle: time.Second},
		{Name: "attention", Do: send("AT\r\n"), Settle: 500 * time.Millisecond},
		{Name: "uart config", Do: uartConfig, Settle: 500 * time.Millisecond},
	}
}

// Run executes every step on p. It only fails when ctx is cancelled.
func (h *Handshake) Run(ctx context.Context, p discovery.Port, baud int) error {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	sleep := h.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for _, step := range h.Steps {
		if err := step.Do(p, baud); err != nil {
			log.WarnContext(ctx, "serial handshake step failed", "step", step.Name, "error", err)
		}
		if err := sleep(ctx, step.Settle); err != nil {
			return err
		}
	}
	return nil
}

func setControlLines(on bool) func(discovery.Port, int) error {
	return func(p discovery.Port, _ int) error {
		if err := p.SetDTR(on); err != nil {
			return fmt.Errorf("set DTR: %w", err)
		}
		if err := p.SetRTS(on); err != nil {
			return fmt.Errorf("set RTS: %w", err)
		}
		return nil
	}
}

func send(s string) func(discovery.Port, int) error {
	return func(p discovery.Port, _ int) error {
		_, err := p.Write([]byte(s))
		return err
	}
}

func uartConfig(p discovery.Port, baud int) error {
	_, err := fmt.Fprintf(p, "AT+UART_CUR=%d,8,1,0,0\r\n", baud)
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
