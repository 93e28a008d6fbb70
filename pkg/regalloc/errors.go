package regalloc

import "errors"

var (
	// ErrPressure is returned by the admission check when the estimated
	// register demand exceeds a file's capacity. The caller may retry the
	// whole pass in a narrower occupancy mode; no IR was mutated.
	ErrPressure = errors.New("register pressure exceeds file capacity")

	// ErrEvictFailed reports that a committed eviction could not relocate
	// a resident value even though the speculative pass said it could.
	// This is an internal-consistency violation, never a legitimate
	// runtime condition.
	ErrEvictFailed = errors.New("committed eviction infeasible")

	// ErrDefragFailed reports that defragmentation ran out of room, which
	// means the upstream register-pressure estimate was wrong.
	ErrDefragFailed = errors.New("defragmentation out of room")
)
