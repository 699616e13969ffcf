package backup

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// WriteArchive streams the scanned files into a zstd-compressed tar
// written to dst. Returns the uncompressed payload size.
func WriteArchive(dst io.Writer, files []ScannedFile) (int64, error) {
	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("WriteArchive: %w", err)
	}
	tw := tar.NewWriter(zw)

	var total int64
	for _, file := range files {
		fi, err := os.Stat(file.AbsPath)
		if err != nil {
			continue
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return 0, fmt.Errorf("WriteArchive: header %s: %w", file.RelPath, err)
		}
		hdr.Name = file.RelPath
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, fmt.Errorf("WriteArchive: header %s: %w", file.RelPath, err)
		}

		f, err := os.Open(file.AbsPath)
		if err != nil {
			return 0, fmt.Errorf("WriteArchive: open %s: %w", file.RelPath, err)
		}
		n, err := io.Copy(tw, f)
		f.Close()
		if err != nil {
			return 0, fmt.Errorf("WriteArchive: copy %s: %w", file.RelPath, err)
		}
		total += n
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("WriteArchive: close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("WriteArchive: close zstd: %w", err)
	}
	return total, nil
}
