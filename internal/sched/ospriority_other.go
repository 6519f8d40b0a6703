//go:build !linux

package sched

import "errors"

// elevateThreadPriority is unsupported off Linux; dedicated loops still run,
// just without OS priority elevation.
func elevateThreadPriority() error {
	return errors.New("thread priority elevation not supported on this platform")
}
