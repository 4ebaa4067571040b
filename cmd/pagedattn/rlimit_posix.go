//go:build linux || darwin

package main

import (
	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
)

// raiseFileLimit lifts the open file limit for the gRPC and HTTP listeners.
func raiseFileLimit(n uint64) {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return
	}
	if rLimit.Cur >= n {
		return
	}
	rLimit.Cur = n
	if rLimit.Max < n {
		rLimit.Cur = rLimit.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		logger.Log.Warn("could not raise file limit", "error", err)
	}
}
