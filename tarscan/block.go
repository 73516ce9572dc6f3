// Package tarscan reads a tar stream strictly sequentially, one 512-byte
// block at a time, without seeking and without buffering entry data.
package tarscan

import (
	"io"
)

// BlockSize is the tar record unit. Headers and data runs are aligned to it.
const BlockSize = 512

// Block is one raw tar record.
type Block [BlockSize]byte

// IsZero reports whether every byte of the block is NUL.
func (b *Block) IsZero() bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// BlockCount returns the number of blocks a payload of size bytes occupies.
func BlockCount(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + BlockSize - 1) / BlockSize
}

// BlockReader pulls whole blocks from an io.Reader.
type BlockReader struct {
	r      io.Reader
	offset int64
}

func NewBlockReader(r io.Reader) *BlockReader {
	return &BlockReader{r: r}
}

// ReadBlock fills b with the next block. It returns io.EOF when the stream is
// exhausted on a block boundary and io.ErrUnexpectedEOF when only part of a
// block was left; any other error comes from the underlying reader.
func (br *BlockReader) ReadBlock(b *Block) error {
	n, err := io.ReadFull(br.r, b[:])
	br.offset += int64(n)
	return err
}

// Offset is the number of bytes consumed so far.
func (br *BlockReader) Offset() int64 {
	return br.offset
}
