package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/thinkhead/mr2tachiyomi/backup"
	"github.com/thinkhead/mr2tachiyomi/extract"
	"github.com/thinkhead/mr2tachiyomi/tarscan"
)

const (
	envEntry  = "MR2TACHIYOMI_ENTRY"
	envOutput = "MR2TACHIYOMI_OUTPUT"
)

type rootOptions struct {
	verbose bool
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log every archive entry that is scanned")
}

// logger returns a fresh logger for one command run, writing to w.
func (o *rootOptions) logger(w io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	log.SetLevel(logrus.InfoLevel)
	if o.verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// NewRootCommand builds the mr2tachiyomi command tree.
func NewRootCommand() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "mr2tachiyomi",
		Short: "Recover the Manga Rock database from an Android backup",
		// Arguments are valid once this runs; from here on errors are
		// logged by report.
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
		},
	}
	o.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newExtractCommand(o),
		newListCommand(o),
		newHeaderCommand(o),
		newUnpackCommand(o),
	)
	return cmd
}

type extractOptions struct {
	*rootOptions
	entry  string
	output string
}

func newExtractCommand(root *rootOptions) *cobra.Command {
	o := &extractOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "extract <backup.ab>",
		Short: "Extract one entry (the Manga Rock database by default)",
		Long: fmt.Sprintf(`Extract one entry from an Android backup, '-' reads the backup from standard input.

If --entry is not given, the %s environment variable is checked, then the Manga Rock
database path is used. If --output is not given, %s is checked, then the base
name of the entry is used.`, envEntry, envOutput),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), args[0], cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&o.entry, "entry", "e", "", "exact in-archive path of the entry to extract")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "output file path")
	return cmd
}

func (o *extractOptions) resolve() (entry, output string) {
	entry = o.entry
	if entry == "" {
		if env := os.Getenv(envEntry); env != "" {
			entry = env
		} else {
			entry = extract.DefaultTarget
		}
	}
	output = o.output
	if output == "" {
		if env := os.Getenv(envOutput); env != "" {
			output = env
		} else {
			output = filepath.Base(entry)
		}
	}
	return entry, output
}

func (o *extractOptions) run(ctx context.Context, input string, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := o.logger(logOut)
	entry, output := o.resolve()

	res, err := extract.File(ctx, input, entry, output,
		extract.WithLogger(log),
		extract.WithProgress(progressLogger(log)),
	)
	if err != nil {
		return report(log, err)
	}
	log.WithFields(logrus.Fields{
		"path":    res.Path,
		"size":    res.Size,
		"blake2b": fmt.Sprintf("%x", res.Digest),
	}).Info("Extraction process completed successfully.")
	return nil
}

// progressLogger logs the running total every 4 MiB.
func progressLogger(log logrus.FieldLogger) func(int64) {
	var lastReport int64
	return func(written int64) {
		if written-lastReport >= 4<<20 {
			lastReport = written
			log.Infof("Written %s", humanize.Bytes(uint64(written)))
		}
	}
}

func newUnpackCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <backup.ab> <backup.tar>",
		Short: "Unpack a whole Android backup into a tar archive",
		Long:  "Unpack a whole Android backup into a tar archive, '-' reads the backup from standard input\nor writes the archive to standard output.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			log := root.logger(cmd.ErrOrStderr())
			n, err := extract.Unpack(ctx, args[0], args[1],
				extract.WithLogger(log),
				extract.WithProgress(progressLogger(log)),
			)
			if err != nil {
				return report(log, err)
			}
			log.WithField("size", humanize.Bytes(uint64(n))).Info("Unpack completed successfully.")
			return nil
		},
	}
}

func newListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <backup.ab>",
		Short: "List the entries of an Android backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			log := root.logger(cmd.ErrOrStderr())
			err := extract.List(ctx, args[0], func(h *tarscan.Header) error {
				return printEntry(cmd.OutOrStdout(), h)
			}, extract.WithLogger(log))
			if err != nil {
				return report(log, err)
			}
			return nil
		},
	}
}

func printEntry(w io.Writer, h *tarscan.Header) error {
	typ := h.Typeflag
	if typ == tarscan.TypeRegA {
		typ = tarscan.TypeReg
	}
	_, err := fmt.Fprintf(w, "%c %10d %s\n", typ, h.Size, h.Name)
	return err
}

func newHeaderCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "header <backup.ab>",
		Short: "Print the container header of an Android backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger(cmd.ErrOrStderr())
			h, err := extract.Inspect(args[0], extract.WithLogger(log))
			if err != nil {
				return report(log, err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Version:     %d\n", h.Version)
			fmt.Fprintf(w, "Compressed:  %t\n", h.Compressed)
			fmt.Fprintf(w, "Encryption:  %s\n", h.Encryption)
			fmt.Fprintf(w, "Payload at:  %d\n", h.PayloadOffset)
			return nil
		},
	}
}

// report logs a user-facing message for err and returns it.
func report(log logrus.FieldLogger, err error) error {
	switch {
	case errors.Is(err, backup.ErrMalformedContainer):
		log.Errorf("Input is not a valid Android Backup file: %v", err)
	case errors.Is(err, backup.ErrUnsupportedEncryption):
		log.Errorf("Encrypted backups are not supported, create the backup without a password: %v", err)
	case errors.Is(err, backup.ErrTranscode):
		log.Errorf("Backup payload is corrupt or truncated: %v", err)
	case errors.Is(err, tarscan.ErrEntryNotFound):
		log.Errorf("Entry not found, run 'list' to see what the backup contains: %v", err)
	case errors.Is(err, extract.ErrNotRegular):
		log.Errorf("Entry holds no file content, pick a regular file from 'list': %v", err)
	case errors.Is(err, context.Canceled):
		log.Errorf("Interrupted: %v", err)
	default:
		log.Errorf("Extraction failed: %v", err)
	}
	return err
}
