//go:build linux

package procmem

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AAVision/rasp-scanner/fault"
)

func TestSelf_ReadsOwnMemory(t *testing.T) {
	dev, err := Self()
	require.NoError(t, err)
	defer dev.Close()

	want := []byte("live bytes read back through the memory device")
	addr := uint64(uintptr(unsafe.Pointer(&want[0])))

	got := make([]byte, len(want))
	n, err := ReadFull(dev, got, addr)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
	runtime.KeepAlive(want)
}

func TestSelf_UnmappedAddress(t *testing.T) {
	dev, err := Self()
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 16)
	n, err := dev.ReadAt(buf, 0x1000)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, fault.ErrUnreadable)
}

func TestOpenFile_Missing(t *testing.T) {
	_, err := OpenFile("/proc/self/does-not-exist")
	assert.ErrorIs(t, err, fault.ErrIO)
}

func TestProtect_ZeroSize(t *testing.T) {
	assert.NoError(t, Protect(0x1000, 0, 0))
}
