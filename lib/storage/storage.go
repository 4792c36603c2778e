// Package storage defines the disk-facing capability interface (Component
// C). The engine never touches a filesystem directly: lib/cache posts jobs
// through this interface and a disk thread pool (out of scope here)
// executes them, delivering results back to the session executor via each
// Job's completion callback. This mirrors the teacher's split between
// lib/torrent/storage's Torrent/TorrentArchive interfaces and its
// filesystem-backed agentstorage implementation — here the reference
// implementation is in-memory, for tests only.
package storage

import "fmt"

// ErrorCode classifies a storage failure for callers that branch on it.
// MemStorage, for example, reports ErrCodeNotFound for a read of a piece
// it never stored, while its VerifyResumeData answers false with no
// error for such a piece.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeIO
	ErrCodeNotFound
	ErrCodeHashMismatch
	ErrCodeInvalidRange
	ErrCodeClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeIO:
		return "io"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeHashMismatch:
		return "hash_mismatch"
	case ErrCodeInvalidRange:
		return "invalid_range"
	case ErrCodeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the structured per-call error context every Interface method
// returns on failure, per spec.md §6.
type Error struct {
	Code      ErrorCode
	Operation string
	FileIndex int // -1 when the operation is not file-scoped
	Err       error
}

func (e *Error) Error() string {
	if e.FileIndex >= 0 {
		return fmt.Sprintf("storage: %s (file %d): %s: %v", e.Operation, e.FileIndex, e.Code, e.Err)
	}
	return fmt.Sprintf("storage: %s: %s: %v", e.Operation, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, code ErrorCode, fileIndex int, err error) *Error {
	return &Error{Code: code, Operation: op, FileIndex: fileIndex, Err: err}
}

// Op identifies the kind of disk job.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Job describes one disk operation posted by the cache. Bufs holds the
// scatter-vector of block-sized buffers to fill (OpRead) or drain
// (OpWrite); Done is invoked exactly once, on the session executor, with
// the byte count actually transferred and an error (a *Error or nil).
type Job struct {
	Op         Op
	PieceIndex int
	Offset     int64
	Bufs       [][]byte
	Flags      int
	Done       func(n int, err error)
}

// Interface is the capability set the disk thread pool implements and the
// cache depends on. Every method is synchronous from the implementor's
// point of view but is expected to be invoked off the session executor
// (ReadBlocks/WriteBlocks are the methods a Job reaches, through Submit
// below, which runs the call synchronously on the caller's goroutine).
type Interface interface {
	// ReadBlocks fills bufs starting at (piece, offset) and returns the
	// number of bytes read.
	ReadBlocks(piece int, offset int64, bufs [][]byte, flags int) (int, error)

	// WriteBlocks drains bufs to (piece, offset) and returns the number of
	// bytes written.
	WriteBlocks(piece int, offset int64, bufs [][]byte, flags int) (int, error)

	// VerifyResumeData checks piece's on-disk content against want, without
	// requiring the piece be fully cached.
	VerifyResumeData(piece int, want func(data []byte) (bool, error)) (bool, error)

	HasAnyFile() (bool, error)
	MoveStorage(newPath string) error
	RenameFile(fileIndex int, newName string) error
	DeleteFiles() error
	ReleaseFiles() error
	SetFilePriority(fileIndex int, priority int) error
}

// Submit dispatches job against iface synchronously and invokes job.Done
// with the result. A real disk thread pool would run this off the session
// executor and post the Done call back; the in-memory reference
// implementation below is fast enough that tests call Submit directly.
func Submit(iface Interface, job Job) {
	var n int
	var err error
	switch job.Op {
	case OpRead:
		n, err = iface.ReadBlocks(job.PieceIndex, job.Offset, job.Bufs, job.Flags)
	case OpWrite:
		n, err = iface.WriteBlocks(job.PieceIndex, job.Offset, job.Bufs, job.Flags)
	}
	if job.Done != nil {
		job.Done(n, err)
	}
}
