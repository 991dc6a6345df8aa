package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

const testModeEnv = "BILLING_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether the binaries should return before opening any
// connection. The flag is read from the environment on first use.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads BILLING_TEST_MODE and returns the new value.
// Unparseable values count as false.
func RefreshTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	on = on && err == nil
	testMode.Store(&on)
	return on
}
