package shm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/crypto/sha3"
)

// MaxNameLength is the maximum length of a segment identifier in bytes.
// A 128-byte topic id plus its role suffix fits.
const MaxNameLength = 255

// DefaultDir is where segments are created when /dev/shm is available
const DefaultDir = "/dev/shm"

// filePrefix prefixes every backing file so segments are easy to spot
const filePrefix = "ipcpp_"

// ErrorKind classifies a MemoryError
type ErrorKind int

const (
	CreationError   ErrorKind = iota + 1 // backing object could not be created or opened
	AllocationError                      // backing object could not be sized
	MappingError                         // backing object could not be mapped
)

func (k ErrorKind) String() string {
	switch k {
	case CreationError:
		return "CREATION_ERROR"
	case AllocationError:
		return "ALLOCATION_ERROR"
	case MappingError:
		return "MAPPING_ERROR"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// MemoryError reports a failure of the OS shared memory primitives
type MemoryError struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("shm: %s for segment %q: %v", e.Kind, e.Name, e.Err)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}

var (
	ErrEmptyName   = errors.New("shm: empty segment name")
	ErrNameTooLong = errors.New("shm: segment name too long")
	ErrInvalidSize = errors.New("shm: invalid segment size")
)

// Platform-specific functions (implemented in platform-specific files)
var (
	mapFile   func(f *os.File, size int) ([]byte, error)
	unmapFile func(mem []byte) error
)

// SharedMemory represents a shared memory region for inter-process communication.
//
// The region is backed by a file (under /dev/shm when available) mapped
// MAP_SHARED into every attaching process. Its base address differs per
// process; only offsets into it may be stored inside the region.
type SharedMemory struct {
	name    string   // Name/identifier of the shared memory region
	path    string   // Path of the backing file
	size    int      // Size of the mapping in bytes
	file    *os.File // Backing file
	mem     []byte   // Mapped region
	created bool     // Whether this process created the backing file
}

// ValidateName checks a segment identifier
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d > %d bytes", ErrNameTooLong, len(name), MaxNameLength)
	}
	return nil
}

// FileName maps a segment identifier to the name of its backing file.
// Identifiers may contain bytes that are not valid in file names, so the
// readable part is sanitized and a hash of the full identifier keeps
// distinct identifiers apart.
func FileName(name string) string {
	sum := sha3.Sum256([]byte(name))

	var b strings.Builder
	b.WriteString(filePrefix)
	for i := 0; i < len(name) && i < 64; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	b.WriteString(hex.EncodeToString(sum[:8]))
	return b.String()
}

// ShortName is a fixed-length form of FileName for places with tight name
// limits, such as socket paths
func ShortName(name string) string {
	sum := sha3.Sum256([]byte(name))
	return filePrefix + hex.EncodeToString(sum[:8])
}

// Dir returns the directory segments are created in by default.
// /dev/shm is preferred, the temporary directory is the fallback.
func Dir() string {
	if info, err := os.Stat(DefaultDir); err == nil && info.IsDir() {
		return DefaultDir
	}
	return os.TempDir()
}

// CreateOrOpen creates the named segment or opens it if it already exists
func CreateOrOpen(name string, size int) (*SharedMemory, error) {
	return CreateOrOpenIn(Dir(), name, size)
}

// CreateOrOpenIn creates or opens the named segment in dir.
//
// Several processes may call this concurrently for the same name. Exactly one
// of them creates the backing file; all of them grow it to at least size bytes
// and map it. A freshly created segment reads as zeroes.
func CreateOrOpenIn(dir, name string, size int) (*SharedMemory, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	path := filepath.Join(dir, FileName(name))

	created := true
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if errors.Is(err, os.ErrExist) {
		created = false
		file, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, &MemoryError{Kind: CreationError, Name: name, Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &MemoryError{Kind: CreationError, Name: name, Err: err}
	}

	// Only ever grow the file; a concurrent opener may have sized it already
	if info.Size() < int64(size) {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, &MemoryError{Kind: AllocationError, Name: name, Err: err}
		}
	}

	mem, err := mapFile(file, size)
	if err != nil {
		file.Close()
		return nil, &MemoryError{Kind: MappingError, Name: name, Err: err}
	}

	return &SharedMemory{
		name:    name,
		path:    path,
		size:    size,
		file:    file,
		mem:     mem,
		created: created,
	}, nil
}

// Name returns the name/identifier of the shared memory region
func (s *SharedMemory) Name() string {
	return s.name
}

// Path returns the path of the backing file
func (s *SharedMemory) Path() string {
	return s.path
}

// Size returns the size of the mapping in bytes
func (s *SharedMemory) Size() int {
	return s.size
}

// FD returns the file descriptor of the backing file
func (s *SharedMemory) FD() uintptr {
	if s.file == nil {
		return ^uintptr(0)
	}
	return s.file.Fd()
}

// Created reports whether this process created the backing file
func (s *SharedMemory) Created() bool {
	return s.created
}

// Bytes returns the mapped region
func (s *SharedMemory) Bytes() []byte {
	return s.mem
}

// At resolves a segment offset to a process-local pointer.
// The resolved pointer must never be stored inside the segment.
func (s *SharedMemory) At(off uint64) unsafe.Pointer {
	if off >= uint64(len(s.mem)) {
		panic(fmt.Sprintf("shm: offset %d out of range [0, %d)", off, len(s.mem)))
	}
	return unsafe.Pointer(&s.mem[off])
}

// Contains reports whether [off, off+n) lies inside the mapping
func (s *SharedMemory) Contains(off, n uint64) bool {
	return off <= uint64(len(s.mem)) && n <= uint64(len(s.mem))-off
}

// Close unmaps the region and closes the backing file.
// The segment itself survives until Unlink.
func (s *SharedMemory) Close() error {
	var firstErr error

	if s.mem != nil {
		if err := unmapFile(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
	}

	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}

	return firstErr
}

// Unlink removes the backing file. Processes that still map the segment
// keep their mapping.
func (s *SharedMemory) Unlink() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Remove removes the backing file of the named segment in dir
func Remove(dir, name string) error {
	return os.Remove(filepath.Join(dir, FileName(name)))
}

// Exists reports whether the named segment exists in dir
func Exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, FileName(name)))
	return err == nil
}
