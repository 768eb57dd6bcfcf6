package arch

import (
	"errors"
	"fmt"
	"runtime"
)

// Width is a bit width of an unsigned integer type
type Width uint8

const (
	Width16 Width = 16
	Width32 Width = 32
	Width64 Width = 64
)

// ErrUnsupportedPlatform is returned when the platform offers no lock-free
// atomic unsigned integer of at least 16 bits
var ErrUnsupportedPlatform = errors.New("arch: no lock-free atomic integer of at least 16 bits")

// Capability describes the atomic integer support of a platform.
//
// AtomicWidth is the widest unsigned integer the platform updates lock-free.
// Every index shared between processes (slot indices, queue positions,
// registry entries, segment offsets) is bounded by IndexWidth, which is half
// of AtomicWidth so that an index and a tag fit into one atomic word.
type Capability struct {
	Arch        string
	AtomicWidth Width
	IndexWidth  Width
}

// lockFree is the explicit capability table. GOARCH values missing from it
// (wasm, for example) cannot share memory between processes and are rejected.
var lockFree = []struct {
	arch  string
	width Width
}{
	{"amd64", Width64},
	{"arm64", Width64},
	{"ppc64", Width64},
	{"ppc64le", Width64},
	{"riscv64", Width64},
	{"loong64", Width64},
	{"mips64", Width64},
	{"mips64le", Width64},
	{"s390x", Width64},
	{"386", Width32},
	{"arm", Width32},
	{"mips", Width32},
	{"mipsle", Width32},
}

// FromAtomicWidth builds the capability for a platform whose largest
// lock-free atomic integer is w bits wide
func FromAtomicWidth(w Width) (Capability, error) {
	switch w {
	case Width16, Width32, Width64:
		return Capability{AtomicWidth: w, IndexWidth: w / 2}, nil
	}
	return Capability{}, fmt.Errorf("%w: %d-bit atomics", ErrUnsupportedPlatform, w)
}

// Lookup returns the capability of the given GOARCH
func Lookup(goarch string) (Capability, error) {
	for _, e := range lockFree {
		if e.arch == goarch {
			c, err := FromAtomicWidth(e.width)
			c.Arch = goarch
			return c, err
		}
	}
	return Capability{}, fmt.Errorf("%w: GOARCH=%s", ErrUnsupportedPlatform, goarch)
}

// Probe returns the capability of the running platform
func Probe() (Capability, error) {
	return Lookup(runtime.GOARCH)
}

// MustProbe is like Probe but panics on unsupported platforms.
// An unsupported platform is a configuration error, not something a caller
// can recover from at runtime.
func MustProbe() Capability {
	c, err := Probe()
	if err != nil {
		panic(err)
	}
	return c
}

// MaxIndex returns the largest value representable by the index type
func (c Capability) MaxIndex() uint64 {
	return uint64(1)<<uint(c.IndexWidth) - 1
}

// MaxElements returns the largest element count an index can address.
// MaxIndex itself is reserved as the "no index" sentinel.
func (c Capability) MaxElements() uint64 {
	return c.MaxIndex()
}

// MaxAddressable returns the number of bytes addressable by an offset of
// index width
func (c Capability) MaxAddressable() uint64 {
	return uint64(1) << uint(c.IndexWidth)
}

func (c Capability) String() string {
	return fmt.Sprintf("%s: %d-bit atomics, %d-bit indices", c.Arch, c.AtomicWidth, c.IndexWidth)
}
