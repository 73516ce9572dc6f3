package tarscan

import (
	"bytes"
	"context"
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrEntryNotFound is returned by Find when the archive ends without a match.
var ErrEntryNotFound = errors.New("entry not found in archive")

// maxMetaSize bounds the long-name and PAX entries the scanner will buffer.
const maxMetaSize = 1 << 20

// Scanner walks the entries of a tar stream. After Next or Find returns a
// header, the entry's data is the next thing in the stream: either call
// CopyData, or call Next again and the data is skipped.
type Scanner struct {
	br  *BlockReader
	log logrus.FieldLogger

	block Block
	// data blocks of the current entry not consumed yet
	pending int64
	done    bool
}

// NewScanner returns a Scanner reading from r. log may be nil.
func NewScanner(r io.Reader, log logrus.FieldLogger) *Scanner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scanner{
		br:  NewBlockReader(r),
		log: log,
	}
}

// Offset is the number of tar bytes consumed so far.
func (s *Scanner) Offset() int64 {
	return s.br.Offset()
}

// Next skips whatever is left of the current entry and decodes the next
// header. It returns io.EOF at the end of the archive, which is any of: an
// all-zero or nameless block, EOF on a block boundary, or a truncated block.
// ctx is checked before every block read.
func (s *Scanner) Next(ctx context.Context) (*Header, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := s.skip(ctx); err != nil {
		return nil, s.end(err)
	}

	var longName string
	for {
		if err := s.readBlock(ctx); err != nil {
			return nil, s.end(err)
		}
		hdr, err := DecodeHeader(&s.block)
		if err != nil {
			return nil, s.end(err)
		}
		s.pending = hdr.Blocks()

		switch hdr.Typeflag {
		case TypeGNULongName, TypeXHeader:
			meta, err := s.readMeta(ctx, hdr)
			if err != nil {
				return nil, s.end(err)
			}
			if hdr.Typeflag == TypeGNULongName {
				longName = cstring(meta)
			} else if p, ok := paxPath(meta); ok {
				longName = p
			}
			continue
		case TypeGNULongLink, TypeXGlobalHeader:
			if err := s.skip(ctx); err != nil {
				return nil, s.end(err)
			}
			continue
		}

		if longName != "" {
			hdr.Name = longName
		}
		return hdr, nil
	}
}

// Find advances to the entry whose name equals name exactly and returns its
// header; the stream is left at the entry's first data block.
func (s *Scanner) Find(ctx context.Context, name string) (*Header, error) {
	for {
		hdr, err := s.Next(ctx)
		if err == io.EOF {
			return nil, errors.Wrapf(ErrEntryNotFound, "%q", name)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name == name {
			s.log.WithFields(logrus.Fields{
				"entry":  hdr.Name,
				"size":   hdr.Size,
				"blocks": hdr.Blocks(),
				"offset": s.Offset(),
			}).Debug("Found entry")
			return hdr, nil
		}
		s.log.WithFields(logrus.Fields{
			"entry":  hdr.Name,
			"blocks": hdr.Blocks(),
		}).Debug("Skipping entry")
	}
}

// CopyData writes the remaining data blocks of the current entry to w,
// including the zero padding of the final block. Callers wanting the exact
// payload must truncate to Header.Size themselves. A cancelled ctx stops the
// copy at the next block boundary.
func (s *Scanner) CopyData(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for s.pending > 0 {
		if err := s.readBlock(ctx); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return written, errors.Wrap(err, "reading entry data")
		}
		s.pending--
		n, err := w.Write(s.block[:])
		written += int64(n)
		if err != nil {
			return written, errors.Wrap(err, "writing entry data")
		}
	}
	return written, nil
}

// skip discards the unread data blocks of the current entry.
func (s *Scanner) skip(ctx context.Context) error {
	for s.pending > 0 {
		if err := s.readBlock(ctx); err != nil {
			return err
		}
		s.pending--
	}
	return nil
}

func (s *Scanner) readBlock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.br.ReadBlock(&s.block)
}

// end maps an error seen while looking for a header to the scanner's
// end-of-archive convention.
func (s *Scanner) end(err error) error {
	switch err {
	case io.EOF:
		s.done = true
		return io.EOF
	case io.ErrUnexpectedEOF:
		s.log.WithField("offset", s.Offset()).Warn("Archive ends with a truncated block, treating as end of archive")
		s.done = true
		return io.EOF
	}
	return err
}

// readMeta reads the data of a long-name or PAX entry into memory. Read
// errors are returned unwrapped so Next can apply the end-of-archive rules.
func (s *Scanner) readMeta(ctx context.Context, hdr *Header) ([]byte, error) {
	if hdr.Size > maxMetaSize {
		return nil, errors.Wrapf(ErrInvalidHeader, "%c entry of %d bytes", hdr.Typeflag, hdr.Size)
	}
	buf := make([]byte, 0, s.pending*BlockSize)
	for s.pending > 0 {
		if err := s.readBlock(ctx); err != nil {
			return nil, err
		}
		s.pending--
		buf = append(buf, s.block[:]...)
	}
	return buf[:hdr.Size], nil
}

// paxPath extracts the "path" record from PAX extended header data. Records
// have the form "<len> <key>=<value>\n".
func paxPath(data []byte) (string, bool) {
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return "", false
		}
		n, err := strconv.Atoi(string(data[:sp]))
		if err != nil || n <= sp || n > len(data) {
			return "", false
		}
		rec := data[sp+1 : n]
		data = data[n:]

		if len(rec) == 0 || rec[len(rec)-1] != '\n' {
			return "", false
		}
		rec = rec[:len(rec)-1]
		eq := bytes.IndexByte(rec, '=')
		if eq < 0 {
			return "", false
		}
		if string(rec[:eq]) == "path" {
			return string(rec[eq+1:]), true
		}
	}
	return "", false
}
