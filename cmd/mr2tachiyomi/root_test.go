package main

import (
	"archive/tar"
	"bytes"
	"compress/zlib"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/thinkhead/mr2tachiyomi/extract"
)

func writeBackup(t *testing.T, name string, data []byte) string {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0600, Size: int64(len(data))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var ab bytes.Buffer
	ab.WriteString("ANDROID BACKUP\n5\n1\nnone\n")
	zw := zlib.NewWriter(&ab)
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(t.TempDir(), "backup.ab")
	if err := os.WriteFile(p, ab.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func run(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	Convey("mr2tachiyomi", t, func() {
		db := bytes.Repeat([]byte("mangarock"), 300)
		in := writeBackup(t, extract.DefaultTarget, db)

		Convey("extract writes the database", func() {
			out := filepath.Join(t.TempDir(), "out.db")
			_, err := run("extract", in, "-o", out)
			So(err, ShouldBeNil)
			got, err := os.ReadFile(out)
			So(err, ShouldBeNil)
			So(got, ShouldResemble, db)
		})

		Convey("extract fails for unknown entries", func() {
			out := filepath.Join(t.TempDir(), "out.db")
			_, err := run("extract", in, "-o", out, "--entry", "apps/nope")
			So(err, ShouldNotBeNil)
			_, statErr := os.Stat(out)
			So(os.IsNotExist(statErr), ShouldBeTrue)
		})

		Convey("extract without a backup argument prints the error and usage", func() {
			out, err := run("extract")
			So(err, ShouldNotBeNil)
			So(out, ShouldContainSubstring, "Error: accepts 1 arg(s), received 0")
			So(out, ShouldContainSubstring, "Usage:")
		})

		Convey("unknown flags are reported", func() {
			out, err := run("extract", in, "--bogus")
			So(err, ShouldNotBeNil)
			So(out, ShouldContainSubstring, "unknown flag: --bogus")
		})

		Convey("runtime failures are logged once without usage", func() {
			out, err := run("extract", in, "-o", filepath.Join(t.TempDir(), "out.db"), "--entry", "apps/nope")
			So(err, ShouldNotBeNil)
			So(out, ShouldContainSubstring, "Entry not found")
			So(out, ShouldNotContainSubstring, "Usage:")
			So(out, ShouldNotContainSubstring, "Error: ")
		})

		Convey("unpack writes the tar stream", func() {
			tarPath := filepath.Join(t.TempDir(), "backup.tar")
			_, err := run("unpack", in, tarPath)
			So(err, ShouldBeNil)
			f, err := os.Open(tarPath)
			So(err, ShouldBeNil)
			defer f.Close()
			hdr, err := tar.NewReader(f).Next()
			So(err, ShouldBeNil)
			So(hdr.Name, ShouldEqual, extract.DefaultTarget)
			So(hdr.Size, ShouldEqual, len(db))
		})

		Convey("list prints entries", func() {
			out, err := run("list", in)
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, extract.DefaultTarget)
			So(out, ShouldContainSubstring, "2700")
		})

		Convey("header prints the container header", func() {
			out, err := run("header", in)
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, "Version:     5")
			So(out, ShouldContainSubstring, "Compressed:  true")
			So(out, ShouldContainSubstring, "Encryption:  none")
		})
	})
}

func TestLogger(t *testing.T) {
	Convey("logger", t, func() {
		global := logrus.StandardLogger().GetLevel()
		var buf bytes.Buffer

		quiet := (&rootOptions{}).logger(&buf)
		So(quiet.GetLevel(), ShouldEqual, logrus.InfoLevel)

		verbose := (&rootOptions{verbose: true}).logger(&buf)
		So(verbose.GetLevel(), ShouldEqual, logrus.DebugLevel)
		So(quiet.GetLevel(), ShouldEqual, logrus.InfoLevel)
		So(logrus.StandardLogger().GetLevel(), ShouldEqual, global)

		verbose.Debug("scanning")
		So(buf.String(), ShouldContainSubstring, "scanning")
	})
}

func TestResolve(t *testing.T) {
	Convey("extract option resolution", t, func() {
		o := &extractOptions{rootOptions: &rootOptions{}}

		Convey("defaults", func() {
			t.Setenv(envEntry, "")
			t.Setenv(envOutput, "")
			entry, output := o.resolve()
			So(entry, ShouldEqual, extract.DefaultTarget)
			So(output, ShouldEqual, "mangarock.db")
		})

		Convey("environment", func() {
			t.Setenv(envEntry, "apps/x/db/other.db")
			t.Setenv(envOutput, "/tmp/x.db")
			entry, output := o.resolve()
			So(entry, ShouldEqual, "apps/x/db/other.db")
			So(output, ShouldEqual, "/tmp/x.db")
		})

		Convey("flags win", func() {
			t.Setenv(envEntry, "apps/x/db/other.db")
			o.entry = "a/b.db"
			o.output = "c.db"
			entry, output := o.resolve()
			So(entry, ShouldEqual, "a/b.db")
			So(output, ShouldEqual, "c.db")
		})
	})
}
