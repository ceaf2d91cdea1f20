package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mholt/archiver/v4"
)

var tgz = archiver.CompressedArchive{
	Compression: archiver.Gz{},
	Archival:    archiver.Tar{},
}

func isGzip(filename string) (bool, error) {
	mt, err := mimetype.DetectFile(filename)
	if err != nil {
		return false, err
	}
	return mt.Is("application/gzip"), nil
}

// unTGZ extracts a tar.gz stream into intodir.
func unTGZ(ctx context.Context, intodir string, src io.Reader) error {
	return tgz.Extract(ctx, src, nil, func(ctx context.Context, f archiver.File) error {
		name := filepath.Clean(f.NameInArchive)
		if !filepath.IsLocal(name) {
			return fmt.Errorf("archive entry %q escapes target directory", f.NameInArchive)
		}
		nameinlocal := filepath.Join(intodir, name)
		if f.IsDir() {
			return os.MkdirAll(nameinlocal, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(nameinlocal), 0o755); err != nil {
			return err
		}
		srcfile, err := f.Open()
		if err != nil {
			return err
		}
		defer srcfile.Close()

		intofile, err := os.OpenFile(nameinlocal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer intofile.Close()

		_, err = io.Copy(intofile, srcfile)
		return err
	})
}
