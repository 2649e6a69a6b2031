// Package relayerr holds the error taxonomy shared by the relay components.
// Every error that crosses a package boundary wraps one of these sentinels so
// callers can classify it with errors.Is.
package relayerr

import (
	"context"
	"errors"
)

var (
	// ErrProtocol marks a malformed or out-of-order client message.
	ErrProtocol = errors.New("protocol error")
	// ErrSetup marks a failed engine handshake.
	ErrSetup = errors.New("engine setup failed")
	// ErrTranslation marks a failed or empty translation for one target.
	ErrTranslation = errors.New("translation failed")
	// ErrSynthesis marks a failed or empty speech synthesis for one target.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrTransportClosed marks a closed client link or engine stream.
	ErrTransportClosed = errors.New("transport closed")
)

// Kind returns a short label for err, suitable for metric labels and log attributes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrSetup):
		return "setup"
	case errors.Is(err, ErrTranslation):
		return "translation"
	case errors.Is(err, ErrSynthesis):
		return "synthesis"
	case errors.Is(err, ErrTransportClosed):
		return "transport_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
