package main

import (
	"errors"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

// exitCodeFor maps a failure to one of spec.md §6's exit codes: 1
// configuration error, 2 spawn failure, 3 upgrade failure, 1 for anything
// else unrecognized at startup.
func exitCodeFor(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errs.SpawnFailed:
			return 2
		case errs.UpgradeFailed:
			return 3
		}
	}
	return 1
}
