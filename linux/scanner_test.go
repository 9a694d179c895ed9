package linux

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AAVision/rasp-scanner/fault"
	"github.com/AAVision/rasp-scanner/procmaps"
	"github.com/AAVision/rasp-scanner/procmem"
	"github.com/AAVision/rasp-scanner/report"
)

const testPID = 4242

const cleanMaps = `55d0c0a00000-55d0c0a21000 r--p 00000000 08:01 1311 /usr/bin/app
55d0c0a21000-55d0c0a9f000 r-xp 00021000 08:01 1311 /usr/bin/app
7f1c2a000000-7f1c2a022000 r--p 00000000 08:01 2201 /usr/lib/x86_64-linux-gnu/libc.so.6
7f1c2a022000-7f1c2a19a000 r-xp 00022000 08:01 2201 /usr/lib/x86_64-linux-gnu/libc.so.6
7f1c2a1f0000-7f1c2a1f4000 rw-p 001ec000 08:01 2201 /usr/lib/x86_64-linux-gnu/libc.so.6
7ffd8a5e0000-7ffd8a601000 rw-p 00000000 00:00 0 [stack]
`

const cleanSmaps = `55d0c0a21000-55d0c0a9f000 r-xp 00021000 08:01 1311 /usr/bin/app
Size:                504 kB
Rss:                 320 kB
VmFlags: rd ex mr mw me dw
7ffd8a5e0000-7ffd8a601000 rw-p 00000000 00:00 0 [stack]
Size:                132 kB
VmFlags: rd wr mr mw me gd ac
`

type env struct {
	dir     string
	scanner *Scanner
}

func newEnv(t *testing.T, maps, smaps string) *env {
	t.Helper()

	dir := t.TempDir()
	mapsPath := filepath.Join(dir, "maps")
	smapsPath := filepath.Join(dir, "smaps")
	require.NoError(t, os.WriteFile(mapsPath, []byte(maps), 0o644))
	require.NoError(t, os.WriteFile(smapsPath, []byte(smaps), 0o644))

	procDir := filepath.Join(dir, "proc")
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, strconv.Itoa(testPID), "task"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, strconv.Itoa(testPID), "fd"), 0o755))
	fs, err := procfs.NewFS(procDir)
	require.NoError(t, err)

	statusPath := filepath.Join(dir, "status")
	require.NoError(t, os.WriteFile(statusPath, []byte("Name:\tapp\nState:\tS (sleeping)\nTracerPid:\t0\n"), 0o644))

	return &env{
		dir: dir,
		scanner: &Scanner{
			Source: procmaps.Source{Maps: mapsPath, Smaps: smapsPath},
			Memory: procmem.Static(0, nil),
			Proc:   fs,
			PID:    testPID,
			Status: statusPath,
			Lister: staticLister{},
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
}

func (e *env) addThread(t *testing.T, tid int, name string) {
	t.Helper()
	dir := filepath.Join(e.dir, "proc", strconv.Itoa(testPID), "task", strconv.Itoa(tid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte("Name:\t"+name+"\nTgid:\t4242\n"), 0o644))
}

func (e *env) addFD(t *testing.T, fd int, target string) {
	t.Helper()
	link := filepath.Join(e.dir, "proc", strconv.Itoa(testPID), "fd", strconv.Itoa(fd))
	require.NoError(t, os.Symlink(target, link))
}

type staticLister struct {
	names []string
	err   error
}

func (l staticLister) Modules() ([]string, error) {
	return l.names, l.err
}

var fridaWords = []string{"frida", "rwxp", "zygisk", "lsposed", "/data/local/tmp", "/data/adb/"}

func TestSensitiveLines(t *testing.T) {
	input := cleanMaps + "7f1c2b000000-7f1c2b100000 r-xp 00000000 fd:00 77 /data/local/tmp/re.frida.server/frida-agent-64.so\n" +
		"7f1c2c000000-7f1c2c001000 rwxp 00000000 00:00 0\n"

	line, found, err := SensitiveLines(strings.NewReader(input), fridaWords)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, line, "frida-agent-64.so")

	_, found, err = SensitiveLines(strings.NewReader(cleanMaps), fridaWords)
	require.NoError(t, err)
	assert.False(t, found)

	// Empty words never match.
	_, found, err = SensitiveLines(strings.NewReader(cleanMaps), []string{""})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestScanner_Maps(t *testing.T) {
	tests := []struct {
		name     string
		maps     string
		words    []string
		expected report.Outcome
	}{
		{name: "clean", maps: cleanMaps, words: fridaWords, expected: report.Clean},
		{name: "agent", maps: cleanMaps + "7f00-7f10 r-xp 00000000 fd:00 77 /memfd:frida-agent-64.so (deleted)\n", words: fridaWords, expected: report.Detected},
		{name: "rwx", maps: cleanMaps + "7f00-7f10 rwxp 00000000 00:00 0\n", words: fridaWords, expected: report.Detected},
		{name: "no words", maps: cleanMaps, words: nil, expected: report.Disabled},
		{name: "empty words", maps: cleanMaps, words: []string{"", ""}, expected: report.Disabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.maps, cleanSmaps)
			c := e.scanner.Maps(tt.words)
			assert.Equal(t, tt.expected, c.Outcome)
			if c.Outcome == report.Detected {
				assert.Equal(t, "detect suspicious maps", c.Finding)
			}
		})
	}
}

func TestScanner_Smaps(t *testing.T) {
	e := newEnv(t, cleanMaps, cleanSmaps+"7f00-7f10 r-xp 00000000 08:01 9 /data/adb/modules/zygisk/lib.so\nSize: 64 kB\n")

	c := e.scanner.Smaps(fridaWords)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect suspicious smaps", c.Finding)
	assert.Equal(t, report.SeverityHigh, c.Severity)
}

func TestScanner_MissingSourceIsInconclusive(t *testing.T) {
	e := newEnv(t, cleanMaps, cleanSmaps)
	e.scanner.Source.Maps = filepath.Join(e.dir, "absent")

	c := e.scanner.Maps(fridaWords)
	assert.Equal(t, report.Inconclusive, c.Outcome)
	assert.ErrorIs(t, c.Err, fault.ErrIO)

	c = e.scanner.AnonExec(false)
	assert.Equal(t, report.Inconclusive, c.Outcome)
}

func TestScanner_AnonExec(t *testing.T) {
	smaps := cleanSmaps +
		"7f5500000000-7f5500010000 r-xp 00000000 00:00 0\n" +
		"Size:                 64 kB\n" +
		"VmFlags: rd ex mr mw me\n" +
		"7f5600000000-7f5600001000 r-xp 00000000 08:01 5 /usr/lib/libm.so.6\n" +
		"Size:                  4 kB\n"

	e := newEnv(t, cleanMaps, smaps)

	c := e.scanner.AnonExec(true)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect smaps anonymous executable memory", c.Finding)
	assert.Equal(t, 1, c.Count)
	assert.Contains(t, c.Detail, "7f5500000000-7f5500010000")

	c = e.scanner.AnonExec(false)
	assert.Equal(t, report.Clean, c.Outcome)
}

func TestScanner_AnonExecLastBlock(t *testing.T) {
	maps := cleanMaps + "7f5500000000-7f5500010000 r-xp 00000000 00:00 0"
	e := newEnv(t, maps, cleanSmaps)

	c := e.scanner.AnonExec(false)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect maps anonymous executable memory", c.Finding)
}

func TestScanner_LargeRWX(t *testing.T) {
	// 3 MiB + 3 MiB of rwx, plus a small region under the per-region floor.
	smaps := cleanSmaps +
		"7f0000000000-7f0000300000 rwxp 00000000 00:00 0\nSize: 3072 kB\n" +
		"7f0000400000-7f0000700000 rwxp 00000000 00:00 0\nSize: 3072 kB\n" +
		"7f0000800000-7f0000801000 rwxp 00000000 00:00 0\nSize: 4 kB\n"
	e := newEnv(t, cleanMaps, smaps)

	c := e.scanner.LargeRWX(DefaultLargeRWXMin, DefaultLargeRWXThreshold)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect large rwx memory: 6MB", c.Finding)
	assert.Equal(t, 2, c.Count)

	c = e.scanner.LargeRWX(DefaultLargeRWXMin, 8<<20)
	assert.Equal(t, report.Clean, c.Outcome)

	c = e.scanner.LargeRWX(DefaultLargeRWXMin, 0)
	assert.Equal(t, report.Disabled, c.Outcome)
}

func TestScanner_MemKeywords(t *testing.T) {
	const base = 0x7f0000000000
	mem := make([]byte, 0x3000)
	copy(mem[0x1100:], "....frida:rpc....")
	copy(mem[0x2200:], "LIBFRIDA in own module")

	maps := "7f0000000000-7f0000001000 r--p 00000000 08:01 1 /usr/lib/libdata.so\n" +
		"7f0000001000-7f0000002000 r-xp 00001000 08:01 2 /usr/lib/libhooked.so\n" +
		"7f0000002000-7f0000003000 r-xp 00000000 08:01 3 /usr/bin/app\n"

	e := newEnv(t, maps, cleanSmaps)
	e.scanner.Memory = procmem.Static(base, mem)

	c := e.scanner.MemKeywords([]string{"frida"}, "app")
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect suspicious mem", c.Finding)
	assert.Contains(t, c.Detail, "0x7f0000001104")

	// The module's own mappings are skipped.
	c = e.scanner.MemKeywords([]string{"LIBFRIDA"}, "app")
	assert.Equal(t, report.Clean, c.Outcome)

	c = e.scanner.MemKeywords([]string{"LIBFRIDA"}, "")
	assert.Equal(t, report.Detected, c.Outcome)

	c = e.scanner.MemKeywords(nil, "app")
	assert.Equal(t, report.Disabled, c.Outcome)
}

func TestScanner_MemKeywordsPartialAndLimits(t *testing.T) {
	const base = 0x7f0000000000
	// Only the first half of the mapping is backed.
	mem := make([]byte, 0x800)
	copy(mem[0x10:], "gum-js-loop")

	maps := "7f0000000000-7f0000001000 r-xp 00000000 08:01 2 /usr/lib/libpartial.so\n" +
		"7f0000100000-7f0000101000 r-xp 00000000 08:01 3 /usr/lib/libunmapped.so\n"

	e := newEnv(t, maps, cleanSmaps)
	e.scanner.Memory = procmem.Static(base, mem)

	c := e.scanner.MemKeywords([]string{"gum-js"}, "")
	assert.Equal(t, report.Detected, c.Outcome)

	e.scanner.MaxRegion = 0x100
	c = e.scanner.MemKeywords([]string{"gum-js"}, "")
	assert.Equal(t, report.Clean, c.Outcome)
}

func TestScanner_Tasks(t *testing.T) {
	e := newEnv(t, cleanMaps, cleanSmaps)
	e.addThread(t, testPID, "app")
	e.addThread(t, testPID+1, "GC")

	names := []string{"gmain", "gdbus", "gum-js-loop", "pool-frida"}
	assert.Equal(t, report.Clean, e.scanner.Tasks(names).Outcome)

	e.addThread(t, testPID+2, "gum-js-loop")
	c := e.scanner.Tasks(names)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect suspicious task", c.Finding)
	assert.Contains(t, c.Detail, "gum-js-loop")

	assert.Equal(t, report.Disabled, e.scanner.Tasks(nil).Outcome)

	e.scanner.PID = 1
	assert.Equal(t, report.Inconclusive, e.scanner.Tasks(names).Outcome)
}

func TestScanner_TracerPid(t *testing.T) {
	e := newEnv(t, cleanMaps, cleanSmaps)
	assert.Equal(t, report.Clean, e.scanner.TracerPid().Outcome)

	require.NoError(t, os.WriteFile(e.scanner.Status, []byte("Name:\tapp\nTracerPid:\t31337\n"), 0o644))
	c := e.scanner.TracerPid()
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, report.SeverityCritical, c.Severity)
	assert.Equal(t, "TracerPid: 31337", c.Detail)

	require.NoError(t, os.WriteFile(e.scanner.Status, []byte("Name:\tapp\n"), 0o644))
	c = e.scanner.TracerPid()
	assert.Equal(t, report.Inconclusive, c.Outcome)
	assert.ErrorIs(t, c.Err, fault.ErrNotFound)

	require.NoError(t, os.WriteFile(e.scanner.Status, []byte("TracerPid:\tabc\n"), 0o644))
	assert.ErrorIs(t, e.scanner.TracerPid().Err, fault.ErrFormat)
}

func TestScanner_FileDescriptors(t *testing.T) {
	e := newEnv(t, cleanMaps, cleanSmaps)
	e.addFD(t, 0, "/dev/null")
	e.addFD(t, 3, "socket:[12345]")

	words := []string{"frida", "/data/local/tmp"}
	assert.Equal(t, report.Clean, e.scanner.FileDescriptors(words).Outcome)

	e.addFD(t, 7, "/data/local/tmp/frida-server")
	c := e.scanner.FileDescriptors(words)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "/data/local/tmp/frida-server", c.Detail)
}

func TestScanner_Linker(t *testing.T) {
	e := newEnv(t, cleanMaps, cleanSmaps)

	e.scanner.Lister = staticLister{names: []string{"linux-vdso.so.1", "/lib/x86_64-linux-gnu/libc.so.6"}}
	assert.Equal(t, report.Clean, e.scanner.Linker(fridaWords).Outcome)

	e.scanner.Lister = staticLister{names: []string{"/lib/libc.so.6", "/data/local/tmp/libgadget-frida.so"}}
	c := e.scanner.Linker(fridaWords)
	assert.Equal(t, report.Detected, c.Outcome)
	assert.Equal(t, "detect sensitive lib from linker: /data/local/tmp/libgadget-frida.so", c.Finding)

	e.scanner.Lister = staticLister{err: ErrStaticBinary}
	c = e.scanner.Linker(fridaWords)
	assert.Equal(t, report.Inconclusive, c.Outcome)
	assert.True(t, errors.Is(c.Err, fault.ErrNotFound))
}
