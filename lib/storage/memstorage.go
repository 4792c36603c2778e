package storage

import "sync"

// MemStorage is an in-memory Interface implementation, grounded on the
// teacher's agentstorage pattern (a second, simpler implementation of the
// same interface used where a full filesystem layout isn't warranted).
// It exists only so tests elsewhere in this module don't need a real
// filesystem; it is not a Non-goal carve-out substitute for one.
type MemStorage struct {
	mu         sync.Mutex
	pieceLen   int
	numFiles   int
	pieces     map[int][]byte
	priorities map[int]int
	path       string
	released   bool
}

// NewMemStorage creates a MemStorage with the given fixed piece length and
// file count (file count only matters for the per-file bookkeeping calls).
func NewMemStorage(pieceLen, numFiles int) *MemStorage {
	return &MemStorage{
		pieceLen:   pieceLen,
		numFiles:   numFiles,
		pieces:     make(map[int][]byte),
		priorities: make(map[int]int),
	}
}

func (m *MemStorage) pieceBuf(piece int) []byte {
	b, ok := m.pieces[piece]
	if !ok {
		b = make([]byte, m.pieceLen)
		m.pieces[piece] = b
	}
	return b
}

func (m *MemStorage) ReadBlocks(piece int, offset int64, bufs [][]byte, flags int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return 0, newError("read_blocks", ErrCodeClosed, -1, nil)
	}
	buf, ok := m.pieces[piece]
	if !ok {
		return 0, newError("read_blocks", ErrCodeNotFound, -1, nil)
	}
	pos := int(offset)
	total := 0
	for _, b := range bufs {
		if pos >= len(buf) {
			return total, newError("read_blocks", ErrCodeInvalidRange, -1, nil)
		}
		n := copy(b, buf[pos:])
		pos += n
		total += n
	}
	return total, nil
}

func (m *MemStorage) WriteBlocks(piece int, offset int64, bufs [][]byte, flags int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return 0, newError("write_blocks", ErrCodeClosed, -1, nil)
	}
	buf := m.pieceBuf(piece)
	pos := int(offset)
	total := 0
	for _, b := range bufs {
		if pos+len(b) > len(buf) {
			return total, newError("write_blocks", ErrCodeInvalidRange, -1, nil)
		}
		n := copy(buf[pos:], b)
		pos += n
		total += n
	}
	return total, nil
}

func (m *MemStorage) VerifyResumeData(piece int, want func(data []byte) (bool, error)) (bool, error) {
	m.mu.Lock()
	buf, ok := m.pieces[piece]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	ok, err := want(buf)
	if err != nil {
		return false, newError("verify_resume_data", ErrCodeHashMismatch, -1, err)
	}
	return ok, nil
}

func (m *MemStorage) HasAnyFile() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pieces) > 0, nil
}

func (m *MemStorage) MoveStorage(newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = newPath
	return nil
}

func (m *MemStorage) RenameFile(fileIndex int, newName string) error {
	if fileIndex < 0 || fileIndex >= m.numFiles {
		return newError("rename_file", ErrCodeInvalidRange, fileIndex, nil)
	}
	return nil
}

func (m *MemStorage) DeleteFiles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pieces = make(map[int][]byte)
	return nil
}

func (m *MemStorage) ReleaseFiles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func (m *MemStorage) SetFilePriority(fileIndex int, priority int) error {
	if fileIndex < 0 || fileIndex >= m.numFiles {
		return newError("set_file_priority", ErrCodeInvalidRange, fileIndex, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priorities[fileIndex] = priority
	return nil
}
