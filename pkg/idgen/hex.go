package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// DefaultNameBytes yields 32 hex characters per name.
const DefaultNameBytes = 16

// HexNamer produces random lowercase hexadecimal file names.
type HexNamer struct {
	size   int
	source io.Reader
}

// NewHexNamer creates a namer drawing size bytes per name from source.
// A nil source uses crypto/rand. The source is read once so that a broken
// random source is reported at startup instead of per file.
func NewHexNamer(size int, source io.Reader) (*HexNamer, error) {
	if size <= 0 {
		size = DefaultNameBytes
	}
	if source == nil {
		source = rand.Reader
	}

	first := make([]byte, size)
	if _, err := io.ReadFull(source, first); err != nil {
		return nil, fmt.Errorf("random source unavailable: %w", err)
	}

	return &HexNamer{size: size, source: source}, nil
}

// Generate returns a new name of 2*size hex characters. It panics if the
// source fails after construction; MetadataResolver recovers that panic and
// fails only the file being named.
func (h *HexNamer) Generate() string {
	buf := make([]byte, h.size)
	if _, err := io.ReadFull(h.source, buf); err != nil {
		// The source was healthy at construction; losing it afterwards leaves
		// no safe way to name files.
		panic(fmt.Sprintf("idgen: random source failed after startup: %v", err))
	}
	return hex.EncodeToString(buf)
}
