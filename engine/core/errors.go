package core

import (
	"errors"
)

var (
	ErrNotInitialized = errors.New("subsystem used before initialization")
	ErrUnknown        = errors.New("unknown")
)

// Verify is the hard assertion used for GPU failures: there is no degraded
// mode, so a non-nil error is logged and the process exits.
func Verify(log *Logger, err error) {
	if err == nil {
		return
	}
	log.Fatal("unrecoverable failure: %s", err.Error())
}
