package storage

// The storage package persists the shared file. FileWriter lays the
// pieces out back to back in a single file under the peer's own
// directory; LoadFile reads a seed file back in. Both go through an
// afero.Fs so tests can run against memory.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

// ErrMissingPiece is returned when asked to write a file with a hole.
var ErrMissingPiece = errors.New("missing piece")

// PeerDir returns the directory a peer writes its copy of the file to.
func PeerDir(workDir string, peerID uint32) string {
	return filepath.Join(workDir, "peer_"+strconv.FormatUint(uint64(peerID), 10))
}

// FileWriter implements Writer on an afero filesystem.
type FileWriter struct {
	fs   afero.Fs
	path string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter returns a writer for <workDir>/peer_<id>/<fileName>.
func NewFileWriter(fs afero.Fs, workDir string, peerID uint32, fileName string) *FileWriter {
	return &FileWriter{
		fs:   fs,
		path: filepath.Join(PeerDir(workDir, peerID), fileName),
	}
}

// Path returns the destination file path.
func (w *FileWriter) Path() string {
	return w.path
}

// WriteFile creates the destination directory, truncates the file to the
// total length and writes every piece at its offset.
func (w *FileWriter) WriteFile(pieces [][]byte) error {
	var total int64

	for i, p := range pieces {
		if p == nil {
			return fmt.Errorf("%w: %d", ErrMissingPiece, i)
		}

		total += int64(len(p))
	}

	if err := w.fs.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := w.fs.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", w.path, err)
	}

	if err := f.Truncate(total); err != nil {
		f.Close()
		return fmt.Errorf("failed to size %s: %w", w.path, err)
	}

	var off int64

	for i, p := range pieces {
		if _, err := f.WriteAt(p, off); err != nil {
			f.Close()
			return fmt.Errorf("failed to write piece %d: %w", i, err)
		}

		off += int64(len(p))
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", w.path, err)
	}

	return f.Close()
}

// LoadFile reads the first size bytes of the file at path. A shorter
// file is an error.
func LoadFile(fs afero.Fs, path string, size int64) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("failed to read %d bytes from %s: %w", size, path, err)
	}

	return buf, nil
}
