package main

import (
	"context"
	"log/slog"

	"github.com/sarwaaaar/pwn0gotchi/pkg/gateway"
)

const eventBuffer = 64

// logEvents records gateway lifecycle events until ctx is done or sub is
// closed. Transport losses are warnings; everything else is debug detail.
func logEvents(ctx context.Context, sub *gateway.Subscription, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			attrs := []any{"event", string(e.Kind), "session", e.SessionID}
			if e.Data != nil {
				attrs = append(attrs, "data", e.Data)
			}
			level := slog.LevelDebug
			if e.Err != nil {
				attrs = append(attrs, "error", e.Err)
				if e.Kind == gateway.EventTransportDisconnected {
					level = slog.LevelWarn
				}
			}
			log.Log(ctx, level, "gateway event", attrs...)
		}
	}
}
