package backup

import (
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// NewPayloadReader returns a reader over the raw tar stream that follows the
// header. r must be positioned at h.PayloadOffset, which is where ReadHeader
// leaves its reader. Compressed payloads are inflated incrementally.
func NewPayloadReader(r io.Reader, h *Header) (io.ReadCloser, error) {
	if h.Encrypted() {
		return nil, errors.Wrapf(ErrUnsupportedEncryption, "%q", h.Encryption)
	}
	if !h.Compressed {
		return io.NopCloser(r), nil
	}

	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, classify(err, "opening zlib stream")
	}
	return &transcodeReader{zr: zr}, nil
}

// transcodeReader tags decompression failures so that callers can tell a
// corrupt payload apart from an I/O error on the underlying file.
type transcodeReader struct {
	zr io.ReadCloser
}

func (t *transcodeReader) Read(p []byte) (int, error) {
	n, err := t.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, classify(err, "inflating payload")
	}
	return n, err
}

func (t *transcodeReader) Close() error {
	return t.zr.Close()
}

// TranscodeError is returned for corrupt or truncated compressed payloads.
// errors.Is reports true for ErrTranscode.
type TranscodeError struct {
	Op  string
	Err error
}

func (e *TranscodeError) Error() string {
	return ErrTranscode.Error() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *TranscodeError) Is(target error) bool { return target == ErrTranscode }
func (e *TranscodeError) Unwrap() error        { return e.Err }

func classify(err error, op string) error {
	var corrupt flate.CorruptInputError
	switch {
	case errors.As(err, &corrupt),
		err == zlib.ErrChecksum,
		err == zlib.ErrHeader,
		err == zlib.ErrDictionary,
		err == io.ErrUnexpectedEOF,
		err == io.EOF:
		return &TranscodeError{Op: op, Err: err}
	}
	return errors.Wrap(err, op)
}
