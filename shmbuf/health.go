package shmbuf

import (
	"errors"

	"github.com/heptiolabs/healthcheck"
)

var (
	errBufferDrained = errors.New("buffer destroyed and drained")
	errNotAttached   = errors.New("no monitor has attached")
)

// LivenessCheck reports the buffer as dead once the producer destroyed it
// and every slot was drained.
func LivenessCheck(b *Buffer) healthcheck.Check {
	return func() error {
		if !b.IsReady() {
			return errBufferDrained
		}
		return nil
	}
}

// AttachedCheck reports readiness once a monitor has attached to the buffer.
func AttachedCheck(b *Buffer) healthcheck.Check {
	return func() error {
		if !b.MonitorAttached() {
			return errNotAttached
		}
		return nil
	}
}

// HealthHandler builds a health endpoint covering the given buffers.
func HealthHandler(bufs ...*Buffer) healthcheck.Handler {
	h := healthcheck.NewHandler()
	for _, b := range bufs {
		h.AddLivenessCheck("buffer"+b.Key(), LivenessCheck(b))
		h.AddReadinessCheck("buffer"+b.Key(), AttachedCheck(b))
	}
	return h
}
