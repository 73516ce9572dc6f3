// Package backup reads the container format written by `adb backup`: a short
// plain-text header followed by a (usually zlib-compressed) tar stream.
package backup

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// Magic is the first line of every Android backup file.
	Magic = "ANDROID BACKUP"

	// EncryptionNone is the encryption token of an unencrypted backup.
	EncryptionNone = "none"
	// EncryptionAES256 is the token written by password-protected backups.
	EncryptionAES256 = "AES-256"
)

var (
	ErrMalformedContainer    = errors.New("malformed backup container")
	ErrUnsupportedEncryption = errors.New("unsupported backup encryption")
	ErrTranscode             = errors.New("payload decompression failed")
)

// Header holds the fields of the plain-text preamble.
type Header struct {
	Version    int
	Compressed bool
	// Encryption is the raw encryption token, EncryptionNone for plain backups.
	Encryption string
	// PayloadOffset is the byte offset of the first payload byte.
	PayloadOffset int64
}

// Encrypted reports whether the payload needs decrypting before it can be
// decompressed.
func (h *Header) Encrypted() bool {
	return h.Encryption != EncryptionNone
}

// ReadHeader consumes the four header lines from r, leaving r positioned at
// the start of the payload. An encrypted header is returned without error;
// callers decide whether they can handle it.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	h := &Header{}

	magicLine, err := h.readLine(r, "magic")
	if err != nil {
		return nil, err
	}
	if magicLine != Magic {
		return nil, errors.Wrapf(ErrMalformedContainer, "expected magic %q, got %q", Magic, magicLine)
	}

	versionLine, err := h.readLine(r, "version")
	if err != nil {
		return nil, err
	}
	// Any version is accepted; the layout after the header has not changed
	// across the versions Android has written so far.
	version, err := strconv.ParseUint(versionLine, 10, 31)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedContainer, "parsing version %q", versionLine)
	}
	h.Version = int(version)

	compressedLine, err := h.readLine(r, "compression flag")
	if err != nil {
		return nil, err
	}
	switch compressedLine {
	case "0":
		h.Compressed = false
	case "1":
		h.Compressed = true
	default:
		return nil, errors.Wrapf(ErrMalformedContainer, "parsing compression flag %q", compressedLine)
	}

	h.Encryption, err = h.readLine(r, "encryption")
	if err != nil {
		return nil, err
	}
	if h.Encryption == "" {
		return nil, errors.Wrap(ErrMalformedContainer, "empty encryption line")
	}

	return h, nil
}

// readLine reads one newline-terminated header line, advancing
// h.PayloadOffset by the raw number of bytes consumed.
func (h *Header) readLine(r *bufio.Reader, what string) (string, error) {
	line, err := r.ReadString('\n')
	h.PayloadOffset += int64(len(line))
	trimmed := strings.TrimSpace(line)

	if err != nil {
		if err == io.EOF && len(trimmed) > 0 {
			// Header ends exactly at EOF: the payload is empty.
			return trimmed, nil
		}
		if err == io.EOF {
			return "", errors.Wrapf(ErrMalformedContainer, "missing %s line", what)
		}
		return "", errors.Wrapf(err, "reading %s line", what)
	}
	return trimmed, nil
}
