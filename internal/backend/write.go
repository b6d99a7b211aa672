package backend

import (
	"errors"
	"fmt"
)

// WriteRequest carries absolute tuning values computed by the controller.
// A zero field is left unchanged and reported as not attempted.
type WriteRequest struct {
	PowerLimitW  int
	CoreClockMHz int
	MemClockMHz  int
}

// WriteCode classifies a single field write.
type WriteCode int

const (
	WriteNotAttempted WriteCode = iota
	WriteApplied
	WriteFailed
	WriteUnsupported
)

func (c WriteCode) String() string {
	switch c {
	case WriteApplied:
		return "applied"
	case WriteFailed:
		return "failed"
	case WriteUnsupported:
		return "unsupported"
	default:
		return "not_attempted"
	}
}

// WriteStatus is the result of one field write.
type WriteStatus struct {
	Code WriteCode
	Err  error
}

// Applied builds a successful write status.
func Applied() WriteStatus {
	return WriteStatus{Code: WriteApplied}
}

// WriteError builds a failed write status.
func WriteError(err error) WriteStatus {
	if err == nil {
		err = errors.New("write failed")
	}
	return WriteStatus{Code: WriteFailed, Err: err}
}

// NotAttempted builds a status for a field that was not written; reason may be nil.
func NotAttempted(reason error) WriteStatus {
	return WriteStatus{Code: WriteNotAttempted, Err: reason}
}

// Empty reports whether req writes nothing.
func (req WriteRequest) Empty() bool {
	return req.PowerLimitW == 0 && req.CoreClockMHz == 0 && req.MemClockMHz == 0
}

// WriteUnsupportedStatus builds a status for a field the variant cannot write.
func WriteUnsupportedStatus() WriteStatus {
	return WriteStatus{Code: WriteUnsupported, Err: ErrNotSupported}
}

// PermissionDenied reports whether the write failed for lack of privilege.
func (s WriteStatus) PermissionDenied() bool {
	return s.Code == WriteFailed && errors.Is(s.Err, ErrPermissionDenied)
}

// WriteResult reports each write field independently. Clock offsets are
// written with one paired call on most vendors, so CoreClock and MemClock
// usually share the same status.
type WriteResult struct {
	PowerLimit WriteStatus
	CoreClock  WriteStatus
	MemClock   WriteStatus
}

// UnsupportedWrites is the result for backends without tuning capability.
func UnsupportedWrites() WriteResult {
	return WriteResult{
		PowerLimit: WriteUnsupportedStatus(),
		CoreClock:  WriteUnsupportedStatus(),
		MemClock:   WriteUnsupportedStatus(),
	}
}

// FailedWrites marks every field as failed with err.
func FailedWrites(err error) WriteResult {
	return WriteResult{
		PowerLimit: WriteError(err),
		CoreClock:  WriteError(err),
		MemClock:   WriteError(err),
	}
}

// FieldError wraps err with the field name while keeping sentinel matching.
func FieldError(field string, err error) error {
	return fmt.Errorf("%s: %w", field, err)
}
