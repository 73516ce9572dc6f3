package extract

import (
	"context"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Unpack writes the whole decompressed tar stream of the backup at inputPath
// to outputPath, or to standard output for StdinPath. A partially written
// output file is removed on failure. It returns the number of tar bytes
// written.
func Unpack(ctx context.Context, inputPath, outputPath string, opts ...Option) (n int64, err error) {
	o := newOptions(opts)
	log := o.log.WithField("input", inputPath)

	payload, release, err := openPayload(inputPath, log)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := release(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	out, err := openOutput(outputPath, log)
	if err != nil {
		return 0, err
	}
	defer func() {
		cerr := out.Close()
		if err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "closing output %q", outputPath)
		}
		if err != nil && outputPath != StdinPath {
			if rerr := os.Remove(outputPath); rerr != nil && !os.IsNotExist(rerr) {
				err = multierror.Append(err, errors.Wrap(rerr, "removing partial output"))
			}
			n = 0
		}
	}()

	var w io.Writer = out
	if o.progress != nil {
		w = io.MultiWriter(out, &progressWriter{fn: o.progress})
	}
	n, err = io.Copy(w, &contextReader{ctx: ctx, r: payload})
	if err != nil {
		return n, errors.Wrap(err, "unpacking payload")
	}

	log.WithFields(logrus.Fields{
		"output": outputPath,
		"size":   humanize.Bytes(uint64(n)),
	}).Info("Successfully unpacked backup")
	return n, nil
}

// openOutput creates outputPath, or returns standard output for StdinPath.
func openOutput(outputPath string, log logrus.FieldLogger) (io.WriteCloser, error) {
	if outputPath == StdinPath {
		log.Info("Writing tar stream to standard output")
		return nopWriteCloser{os.Stdout}, nil
	}
	log.WithField("output", outputPath).Info("Creating output file")
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating output %q", outputPath)
	}
	return f, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
