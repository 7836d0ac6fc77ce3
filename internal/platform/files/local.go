// Package files stores uploaded CSVs and generated artifacts on the local
// filesystem below one root directory.
package files

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when a path does not exist below the root.
	ErrNotFound = fs.ErrNotExist

	// ErrInvalidPath is returned for absolute paths and paths escaping the root.
	ErrInvalidPath = errors.New("invalid file path")
)

// Row is one CSV record keyed by its lower-cased header.
type Row map[string]string

// Local reads and writes files below Root.
type Local struct {
	Root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Local{Root: root}, nil
}

func (l *Local) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(l.Root, clean), nil
}

// ReadRows reads the CSV at name. The first record is the header; blank
// lines are skipped and short records leave the missing columns empty.
func (l *Local) ReadRows(ctx context.Context, name string) ([]Row, error) {
	var rows []Row
	err := l.eachRow(ctx, name, func(r Row) { rows = append(rows, r) })
	return rows, err
}

// CountRows returns the number of data rows in the CSV at name.
func (l *Local) CountRows(ctx context.Context, name string) (int, error) {
	n := 0
	err := l.eachRow(ctx, name, func(Row) { n++ })
	return n, err
}

func (l *Local) eachRow(ctx context.Context, name string, fn func(Row)) error {
	path, err := l.resolve(name)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", name, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff")))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = strings.TrimSpace(rec[i])
			} else {
				row[col] = ""
			}
		}
		fn(row)
	}
}

// WriteArtifact writes name atomically through a temporary file and returns
// the path to record on the operation.
func (l *Local) WriteArtifact(_ context.Context, name string, write func(io.Writer) error) (string, error) {
	path, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(name))), nil
}

// Open opens a stored artifact for reading.
func (l *Local) Open(_ context.Context, name string) (io.ReadCloser, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}
