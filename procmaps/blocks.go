package procmaps

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/AAVision/rasp-scanner/fault"
)

// Attr is one "Key: value" line of a detailed block.
type Attr struct {
	Key   string
	Value string
}

// Block is a mapping header from the detailed description together with the
// attribute lines printed under it.
type Block struct {
	Mapping
	Attrs []Attr
}

// Attr returns the value of the named attribute.
func (b Block) Attr(key string) (string, bool) {
	for _, a := range b.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// AnonExec reports whether the block is executable and has no backing file.
func (b Block) AnonExec() bool {
	return b.Perms.Exec && b.Anonymous()
}

type blockState int

const (
	noBlock blockState = iota
	blockPending
)

// ScanBlocks walks a detailed map description block by block. A block is
// only complete once the next header line (or the end of input) is seen, so
// fn is called for the previous block at that point. Returning false from fn
// stops the scan. The summary description is accepted too; each of its lines
// is a block without attributes.
func ScanBlocks(r io.Reader, fn func(Block) bool) error {
	var (
		state   = noBlock
		pending Block
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		if m, ok := ParseLine(line); ok {
			if state == blockPending && !fn(pending) {
				return nil
			}
			pending = Block{Mapping: m}
			state = blockPending
			continue
		}

		if state != blockPending {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		pending.Attrs = append(pending.Attrs, Attr{
			Key:   strings.TrimSpace(key),
			Value: strings.TrimSpace(value),
		})
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading smaps: %w", fault.ErrIO, err)
	}
	if state == blockPending {
		fn(pending)
	}
	return nil
}

// ParseDetailed collects every block of a detailed description.
func ParseDetailed(r io.Reader) ([]Block, error) {
	var blocks []Block
	err := ScanBlocks(r, func(b Block) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks, err
}
