package recorder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage serializes one output under dir and returns the stored path relative to dir.
type Storage interface {
	Store(ctx context.Context, out Output, dir string) (string, error)
}

// FileStorage writes raw bytes and io.WriterTo values as they are and
// everything else as JSON.
type FileStorage struct{}

func (FileStorage) Store(ctx context.Context, out Output, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := storedName(out)
	if err != nil {
		return "", err
	}
	raw, isRaw := out.Value.([]byte)
	wt, isWriter := out.Value.(io.WriterTo)
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	switch {
	case isRaw:
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return "", err
		}
	case isWriter:
		if err := writeTo(path, wt); err != nil {
			return "", err
		}
	default:
		if err := writeArtifact(path, out.Value); err != nil {
			return "", err
		}
	}
	return filepath.ToSlash(name), nil
}

// storedName is the cleaned file name out is written under, relative to the
// results directory.
func storedName(out Output) (string, error) {
	name := out.Filename
	if name == "" {
		name = out.Name
		switch out.Value.(type) {
		case []byte, io.WriterTo:
		default:
			name += ".json"
		}
	}
	name = filepath.Clean(name)
	if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output %s: file name %q escapes the results directory", out.Name, out.Filename)
	}
	return name, nil
}

func writeTo(path string, wt io.WriterTo) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = wt.WriteTo(f)
	return err
}
