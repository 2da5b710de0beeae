package util

import (
	"fmt"

	"runloop/pkg/errors"
	"runloop/pkg/logging"
)

// Assert panics when cond is false. It guards framework misuse, not runtime
// conditions, so callers are not expected to recover.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		err := fmt.Errorf("%w: %s", errors.ErrContractViolation, fmt.Sprintf(format, args...))
		logging.Errorf("assertion failed: %v", err)
		panic(err)
	}
}

// AssertErr is Assert for violations that already carry a sentinel error.
func AssertErr(cond bool, sentinel error, format string, args ...interface{}) {
	if !cond {
		err := fmt.Errorf("%w: %w: %s", errors.ErrContractViolation, sentinel, fmt.Sprintf(format, args...))
		logging.Errorf("assertion failed: %v", err)
		panic(err)
	}
}
