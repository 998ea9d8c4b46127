package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// FileSystem is the user-writable storage the sync pipeline reconciles.
// Paths are slash-separated and relative to Root.
type FileSystem interface {
	// Root returns the writable root, or "" when the platform has no
	// persistent storage (web).
	Root() string
	Access(ctx context.Context, rel string) bool
	IsFile(rel string) bool
	ReadFile(ctx context.Context, rel string) ([]byte, error)
	WriteFile(ctx context.Context, rel string, data []byte) error
	// ReadDir lists the names of the direct entries of rel.
	ReadDir(ctx context.Context, rel string) ([]string, error)
	// Walk returns every regular file below rel as a root-relative path.
	Walk(ctx context.Context, rel string) ([]string, error)
	Unlink(ctx context.Context, rel string) error
	// Unlinks removes every path and returns the ones that could not be removed.
	Unlinks(ctx context.Context, rels []string) []string
	RemoveAll(ctx context.Context, rel string) error
}

// LocalFS is a FileSystem on the host disk.
type LocalFS struct {
	root string
}

func NewLocalFS(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Root() string { return l.root }

// FullPath maps a root-relative path onto the host filesystem.
func (l *LocalFS) FullPath(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}

func (l *LocalFS) Access(_ context.Context, rel string) bool {
	if l.root == "" {
		return false
	}
	_, err := os.Stat(l.FullPath(rel))
	return err == nil
}

func (l *LocalFS) IsFile(rel string) bool {
	if l.root == "" {
		return false
	}
	info, err := os.Stat(l.FullPath(rel))
	return err == nil && info.Mode().IsRegular()
}

func (l *LocalFS) ReadFile(_ context.Context, rel string) ([]byte, error) {
	if l.root == "" {
		return nil, ErrNoStorage
	}
	data, err := os.ReadFile(l.FullPath(rel))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile writes atomically (write to .tmp, then rename).
func (l *LocalFS) WriteFile(_ context.Context, rel string, data []byte) error {
	if l.root == "" {
		return ErrNoStorage
	}
	dst := l.FullPath(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	tmpPath := dst + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalizing %s: %w", rel, err)
	}
	return nil
}

func (l *LocalFS) ReadDir(_ context.Context, rel string) ([]string, error) {
	if l.root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(l.FullPath(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l *LocalFS) Walk(ctx context.Context, rel string) ([]string, error) {
	if l.root == "" {
		return nil, nil
	}
	base := l.FullPath(rel)
	var files []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		r, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(r))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", rel, err)
	}
	sort.Strings(files)
	return files, nil
}

func (l *LocalFS) Unlink(_ context.Context, rel string) error {
	if l.root == "" {
		return ErrNoStorage
	}
	if err := os.Remove(l.FullPath(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

func (l *LocalFS) Unlinks(ctx context.Context, rels []string) []string {
	var failed []string
	for _, rel := range rels {
		if err := l.Unlink(ctx, rel); err != nil {
			failed = append(failed, rel)
		}
	}
	return failed
}

func (l *LocalFS) RemoveAll(_ context.Context, rel string) error {
	if l.root == "" {
		return ErrNoStorage
	}
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return errors.New("refusing to remove storage root")
	}
	if err := os.RemoveAll(l.FullPath(clean)); err != nil {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}
