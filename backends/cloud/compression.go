package cloud

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Compression formats.
const (
	FormatGzip   = "gzip"
	FormatSnappy = "snappy"
)

// needsCompression returns whether a transfer of size bytes is compressed with the given format.
// An empty format means compression is disabled.
func needsCompression(format string, size int) bool {
	return format != "" && size >= MinCompressionSize
}

func newCompressor(w io.Writer, format string) (io.WriteCloser, error) {
	switch format {
	case FormatGzip:
		return gzip.NewWriter(w), nil
	case FormatSnappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, errors.Errorf("unknown compression format %q", format)
	}
}

func newDecompressor(r io.Reader, format string) (io.Reader, error) {
	switch format {
	case FormatGzip:
		return gzip.NewReader(r)
	case FormatSnappy:
		return snappy.NewReader(r), nil
	default:
		return nil, errors.Errorf("unknown compression format %q", format)
	}
}

// compressToFile writes data compressed to a new file at path. It returns the size of the file.
func compressToFile(path string, data []byte, format string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create %q", path)
	}
	buf := bufio.NewWriter(f)
	w, err := newCompressor(buf, format)
	if err == nil {
		_, err = w.Write(data)
		if closeErr := w.Close(); err == nil {
			err = closeErr
		}
	}
	if err == nil {
		err = buf.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to compress %d bytes to %q", len(data), path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return info.Size(), nil
}

// Stream headers of the compression formats.
var (
	gzipMagic   = []byte{0x1f, 0x8b, 0x08}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// detectFormat returns the compression format of the file at path from its header, or "" for raw data.
func detectFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	header := make([]byte, len(snappyMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", errors.Wrapf(err, "failed to read %q", path)
	}
	header = header[:n]
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return FormatGzip, nil
	case bytes.HasPrefix(header, snappyMagic):
		return FormatSnappy, nil
	default:
		return "", nil
	}
}

// decompressFile decompresses the first len(dst) bytes of the file at path into dst. The decompressed
// contents can be longer than dst, but not shorter.
func decompressFile(path string, dst []byte, format string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	r, err := newDecompressor(bufio.NewReader(f), format)
	if err != nil {
		return errors.Wrapf(err, "failed to decompress %q", path)
	}
	if _, err = io.ReadFull(r, dst); err != nil {
		return errors.Wrapf(err, "failed to decompress %d bytes from %q", len(dst), path)
	}
	return nil
}

// readFile reads the first len(dst) bytes of the file at path into dst.
func readFile(path string, dst []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	if _, err = io.ReadFull(f, dst); err != nil {
		return errors.Wrapf(err, "failed to read %d bytes from %q", len(dst), path)
	}
	return nil
}
