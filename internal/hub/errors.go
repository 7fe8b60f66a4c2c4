package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// Class splits failures into retry-eligible and terminal.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// ErrThrottled is returned when an acquire or send would exceed a ceiling
// and the wait queue is full. Callers back off for a fixed cooldown rather
// than the exponential schedule.
var ErrThrottled = errors.New("throttled by connection manager")

// Permanent failure causes reported by the remote hub.
var (
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrDeviceDisabled = errors.New("device disabled")
	ErrQuotaExceeded  = errors.New("daily quota exceeded")
)

// ConnectionError wraps a connect or handshake failure with its class.
type ConnectionError struct {
	Class Class
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error (%s): %v", e.Class, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError wraps a telemetry send failure with its class. ConnectionLost
// marks failures that invalidate the slot and force a reconnect.
type SendError struct {
	Class          Class
	ConnectionLost bool
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send error (%s): %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps an error to its retry class. Network timeouts, DNS and TLS
// failures are transient; rejected credentials, disabled devices, and
// exhausted quotas are permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrDeviceDisabled) || errors.Is(err, ErrQuotaExceeded) {
		return ClassPermanent
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Class
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}
	var recErr *tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// IsPermanent reports whether err is terminal for the device.
func IsPermanent(err error) bool { return Classify(err) == ClassPermanent }
