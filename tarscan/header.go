package tarscan

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Field offsets from the POSIX ustar layout.
const (
	nameOff, nameLen     = 0, 100
	sizeOff, sizeLen     = 124, 12
	typeflagOff          = 156
	magicOff, magicLen   = 257, 6
	prefixOff, prefixLen = 345, 155
)

// Typeflag values the scanner treats specially.
const (
	TypeReg           byte = '0'
	TypeRegA          byte = '\x00'
	TypeLink          byte = '1'
	TypeSymlink       byte = '2'
	TypeChar          byte = '3'
	TypeBlock         byte = '4'
	TypeDir           byte = '5'
	TypeFifo          byte = '6'
	TypeXHeader       byte = 'x'
	TypeXGlobalHeader byte = 'g'
	TypeGNULongName   byte = 'L'
	TypeGNULongLink   byte = 'K'
)

var magicUSTAR = []byte("ustar\x00")

// ErrInvalidHeader is returned when a header block has an unparsable field.
var ErrInvalidHeader = errors.New("invalid tar header")

// Header is the part of a tar header block the scanner needs.
type Header struct {
	Name     string
	Size     int64
	Typeflag byte
}

// IsRegular reports whether the entry is a regular file.
func (h *Header) IsRegular() bool {
	return h.Typeflag == TypeReg || h.Typeflag == TypeRegA
}

// Blocks returns the number of data blocks following the header block.
// Header-only entry types never carry data, whatever their size field says.
func (h *Header) Blocks() int64 {
	switch h.Typeflag {
	case TypeLink, TypeSymlink, TypeChar, TypeBlock, TypeDir, TypeFifo:
		return 0
	}
	return BlockCount(h.Size)
}

// DecodeHeader interprets b as a header block. A block with an empty name
// field is not an entry and yields io.EOF.
func DecodeHeader(b *Block) (*Header, error) {
	name := cstring(b[nameOff:][:nameLen])
	if name == "" {
		return nil, io.EOF
	}
	if bytes.Equal(b[magicOff:][:magicLen], magicUSTAR) {
		if prefix := cstring(b[prefixOff:][:prefixLen]); prefix != "" {
			name = prefix + "/" + name
		}
	}

	size, err := ParseNumber(b[sizeOff:][:sizeLen])
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidHeader, "size of %q: %v", name, err)
	}
	return &Header{
		Name:     name,
		Size:     size,
		Typeflag: b[typeflagOff],
	}, nil
}

// ParseNumber decodes a numeric header field: NUL/space terminated ASCII
// octal, or the GNU base-256 form when the high bit of the first byte is set.
func ParseNumber(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		if b[0]&0x40 != 0 {
			return 0, errors.New("negative size")
		}
		var x uint64
		for i, c := range b {
			if i == 0 {
				c &= 0x7f
			}
			if x>>55 > 0 {
				return 0, errors.New("integer overflow")
			}
			x = x<<8 | uint64(c)
		}
		return int64(x), nil
	}

	s := bytes.Trim(b, " \x00")
	if len(s) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseUint(cstring(s), 8, 63)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// cstring returns b up to the first NUL, or all of b if there is none.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
