package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrRuntimeUnavailable  = errors.New("container runtime unavailable")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrStartFailed         = errors.New("failed to start unit")
	ErrRestartFailed       = errors.New("failed to restart unit")
	ErrAlreadyStopped      = errors.New("unit already stopped")
	ErrNotStarted          = errors.New("unit not started")
	ErrAttachFailed        = errors.New("failed to attach unit to network")
	ErrNetworkCreateFailed = errors.New("failed to create network")
	ErrNetworkBusy         = errors.New("network has active endpoints")
	ErrConfigWriteFailed   = errors.New("failed to write balancer config")
	ErrTemplateMissing     = errors.New("template not found")
	ErrTransport           = errors.New("transport error")
	ErrExhausted           = errors.New("retries exhausted")
	ErrTimeout             = errors.New("operation timed out")
	ErrInvalidTransition   = errors.New("invalid fleet state transition")
	ErrConfig              = errors.New("config error")
	ErrBuildFailed         = errors.New("failed to build image")
)

// Wrap tags err with kind unless err already carries ErrRuntimeUnavailable,
// which always wins so callers can tell an unreachable engine apart from a
// rejected operation.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRuntimeUnavailable) || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
