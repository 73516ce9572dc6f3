// Package extract recovers a single file from an Android backup without
// unpacking the rest of the archive.
package extract

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/thinkhead/mr2tachiyomi/backup"
	"github.com/thinkhead/mr2tachiyomi/tarscan"
)

// DefaultTarget is where the Manga Rock app keeps its database inside a
// backup of its data directory.
const DefaultTarget = "apps/com.notabasement.mangarock.android.lotus/db/mangarock.db"

// StdinPath makes the input be read from standard input, or the output of
// Unpack be written to standard output.
const StdinPath = "-"

// ErrNotRegular is returned when the target names a directory, link or
// other entry that carries no file content.
var ErrNotRegular = errors.New("entry is not a regular file")

// Result describes a recovered file.
type Result struct {
	Path  string
	Entry string
	Size  int64
	// Digest is the BLAKE2b-256 sum of the recovered bytes.
	Digest []byte
}

type options struct {
	log      logrus.FieldLogger
	progress func(written int64)
}

// Option configures File, Unpack, List and Inspect.
type Option func(*options)

// WithLogger sets the logger used for progress messages.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithProgress registers fn to be called with the cumulative number of bytes
// written to the output file.
func WithProgress(fn func(written int64)) Option {
	return func(o *options) {
		o.progress = fn
	}
}

func (o options) withLogger(log logrus.FieldLogger) options {
	o.log = log
	return o
}

func newOptions(opts []Option) options {
	o := options{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// File extracts the archive entry named target from the backup at inputPath
// into outputPath, truncated to the entry's declared size. The output file is
// only created once the entry has been found, and is removed again if
// anything fails after that.
func File(ctx context.Context, inputPath, target, outputPath string, opts ...Option) (*Result, error) {
	o := newOptions(opts)
	log := o.log.WithField("input", inputPath)

	s, release, err := openArchive(inputPath, log)
	if err != nil {
		return nil, err
	}

	res, err := extractEntry(ctx, s, target, outputPath, o.withLogger(log))
	if cerr := release(); cerr != nil {
		err = multierror.Append(err, cerr)
		if res != nil {
			if rerr := os.Remove(res.Path); rerr != nil {
				err = multierror.Append(err, errors.Wrap(rerr, "removing output"))
			}
			res = nil
		}
	}
	return res, err
}

func extractEntry(ctx context.Context, s *tarscan.Scanner, target, outputPath string, o options) (res *Result, err error) {
	o.log.WithField("entry", target).Info("Scanning archive...")
	entry, err := s.Find(ctx, target)
	if err != nil {
		return nil, err
	}
	if !entry.IsRegular() {
		return nil, errors.Wrapf(ErrNotRegular, "entry %q has type %q", entry.Name, entry.Typeflag)
	}
	o.log.WithFields(logrus.Fields{
		"entry": entry.Name,
		"size":  humanize.Bytes(uint64(entry.Size)),
	}).Info("Found entry, extracting...")

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating output %q", outputPath)
	}
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			if cerr := out.Close(); cerr != nil {
				err = multierror.Append(err, errors.Wrap(cerr, "closing partial output"))
			}
		}
		if rerr := os.Remove(outputPath); rerr != nil && !os.IsNotExist(rerr) {
			err = multierror.Append(err, errors.Wrap(rerr, "removing partial output"))
		}
		res = nil
	}()

	digest, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	sinks := []io.Writer{out, digest}
	if o.progress != nil {
		sinks = append(sinks, &progressWriter{fn: o.progress})
	}
	sink := &exactWriter{w: io.MultiWriter(sinks...), remaining: entry.Size}

	if _, err = s.CopyData(ctx, sink); err != nil {
		return nil, errors.Wrapf(err, "extracting %q", entry.Name)
	}
	if sink.written != entry.Size {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "entry %q: wrote %d of %d bytes", entry.Name, sink.written, entry.Size)
	}

	closed = true
	if err = out.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing output %q", outputPath)
	}

	o.log.WithFields(logrus.Fields{
		"output": outputPath,
		"size":   humanize.Bytes(uint64(sink.written)),
	}).Info("Successfully extracted entry")

	return &Result{
		Path:   outputPath,
		Entry:  entry.Name,
		Size:   sink.written,
		Digest: digest.Sum(nil),
	}, nil
}

// openArchive opens inputPath, parses the container header and returns a
// scanner over the decompressed tar stream. The returned func releases the
// payload reader and the input file.
func openArchive(inputPath string, log logrus.FieldLogger) (*tarscan.Scanner, func() error, error) {
	payload, release, err := openPayload(inputPath, log)
	if err != nil {
		return nil, nil, err
	}
	return tarscan.NewScanner(payload, log), release, nil
}

// openPayload opens inputPath, parses the container header and returns the
// decompressed tar stream that follows it.
func openPayload(inputPath string, log logrus.FieldLogger) (io.Reader, func() error, error) {
	in, err := openInput(inputPath, log)
	if err != nil {
		return nil, nil, err
	}

	log.Info("Reading backup header...")
	br := bufio.NewReader(in)
	hdr, err := backup.ReadHeader(br)
	if err != nil {
		_ = in.Close()
		return nil, nil, errors.Wrap(err, "reading backup header")
	}
	log.WithFields(logrus.Fields{
		"version":    hdr.Version,
		"compressed": hdr.Compressed,
		"encryption": hdr.Encryption,
	}).Debug("Header parsed")

	if hdr.Encrypted() {
		_ = in.Close()
		return nil, nil, errors.Wrapf(backup.ErrUnsupportedEncryption, "backup is encrypted with %q", hdr.Encryption)
	}
	if hdr.Compressed {
		log.Info("Backup is compressed. Setting up decompression stream...")
	} else {
		log.Info("Backup is not compressed.")
	}

	payload, err := backup.NewPayloadReader(br, hdr)
	if err != nil {
		_ = in.Close()
		return nil, nil, err
	}

	release := func() error {
		var merr *multierror.Error
		if err := payload.Close(); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "closing payload stream"))
		}
		if err := in.Close(); err != nil {
			merr = multierror.Append(merr, errors.Wrap(err, "closing input"))
		}
		return merr.ErrorOrNil()
	}
	return payload, release, nil
}

// openInput opens a file, or standard input for StdinPath.
func openInput(inputPath string, log logrus.FieldLogger) (io.ReadCloser, error) {
	if inputPath == StdinPath {
		log.Info("Reading backup from standard input")
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(inputPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening input %q", inputPath)
	}
	return f, nil
}

// exactWriter forwards the first remaining bytes to w and drops the rest,
// which strips the block padding CopyData writes after the payload.
type exactWriter struct {
	w         io.Writer
	remaining int64
	written   int64
}

func (e *exactWriter) Write(p []byte) (int, error) {
	n := len(p)
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	if len(p) > 0 {
		m, err := e.w.Write(p)
		e.written += int64(m)
		e.remaining -= int64(m)
		if err != nil {
			return m, err
		}
	}
	return n, nil
}

// progressWriter reports the running total of bytes written.
type progressWriter struct {
	fn    func(int64)
	total int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.total += int64(len(b))
	p.fn(p.total)
	return len(b), nil
}
