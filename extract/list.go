package extract

import (
	"bufio"
	"context"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/thinkhead/mr2tachiyomi/backup"
	"github.com/thinkhead/mr2tachiyomi/tarscan"
)

// List calls fn for each entry of the backup's archive, in stream order,
// until the archive ends or fn returns an error.
func List(ctx context.Context, inputPath string, fn func(*tarscan.Header) error, opts ...Option) (err error) {
	o := newOptions(opts)
	log := o.log.WithField("input", inputPath)

	s, release, err := openArchive(inputPath, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := release(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	for {
		hdr, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(hdr); err != nil {
			return err
		}
	}
}

// Inspect reads and returns only the container header.
func Inspect(inputPath string, opts ...Option) (hdr *backup.Header, err error) {
	o := newOptions(opts)
	in, err := openInput(inputPath, o.log.WithField("input", inputPath))
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil {
			err = multierror.Append(err, errors.Wrap(cerr, "closing input")).ErrorOrNil()
			hdr = nil
		}
	}()

	hdr, err = backup.ReadHeader(bufio.NewReader(in))
	if err != nil {
		return nil, errors.Wrap(err, "reading backup header")
	}
	return hdr, nil
}
