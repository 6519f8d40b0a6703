//go:build linux

package sched

import "golang.org/x/sys/unix"

// elevateThreadPriority raises the calling thread's scheduling priority.
// The caller has already locked the goroutine to its OS thread, so tid 0
// (current thread) is stable. Needs CAP_SYS_NICE or a permissive nice
// rlimit; failure is reported to the caller as a soft condition.
func elevateThreadPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, -10)
}
