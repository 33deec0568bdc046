//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"
	"io"
	"strings"
)

// connectivityMarkers are substrings that identify transport-level send failures.
var connectivityMarkers = []string{
	"connection",
	"socket",
	"timeout",
	"timed out",
	"not connected",
	"broken pipe",
	"use of closed",
}

// IsConnectivityError reports whether a send failure points at the transport
// rather than at the message or recipient. Such failures mark the owning
// session disconnected so the delivery loop waits instead of burning retries.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectivityMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
