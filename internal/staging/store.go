// Package staging receives upload bodies into temporary files and moves them
// into the served tree without ever replacing an existing file.
package staging

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
)

type Store struct {
	dir string
}

// New creates a staging area at <stateDir>/incoming.
func New(stateDir string) (*Store, error) {
	dir := filepath.Join(stateDir, "incoming")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Receive copies r into a new temp file, returning its path, BLAKE2b-256
// digest and size. The temp file is removed on error.
func (s *Store) Receive(ctx context.Context, r io.Reader) (tmpPath string, digest string, size int64, err error) {
	f, err := os.CreateTemp(s.dir, "up-*.part")
	if err != nil {
		return "", "", 0, err
	}
	name := f.Name()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(name)
			tmpPath, digest, size = "", "", 0
		}
	}()

	h, _ := blake2b.New256(nil)
	buf := make([]byte, 1024*1024)
	for {
		if ctx.Err() != nil {
			return "", "", 0, ctx.Err()
		}
		rn, rerr := r.Read(buf)
		if rn > 0 {
			_, _ = h.Write(buf[:rn])
			if _, werr := f.Write(buf[:rn]); werr != nil {
				return "", "", 0, werr
			}
			size += int64(rn)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", "", 0, rerr
		}
	}
	return name, hex.EncodeToString(h.Sum(nil)), size, nil
}

// Place moves tmpPath to dst. It fails with an error matching fs.ErrExist if
// dst is already taken; tmpPath is left in place in that case.
func (s *Store) Place(tmpPath, dst string) error {
	if err := os.Link(tmpPath, dst); err == nil {
		_ = os.Remove(tmpPath)
		return nil
	} else if errors.Is(err, fs.ErrExist) {
		return err
	}
	// Hard links fail across devices; fall back to an exclusive copy.
	if err := copyFileExcl(tmpPath, dst); err != nil {
		return err
	}
	_ = os.Remove(tmpPath)
	return nil
}

// Discard removes a staged file that will not be placed.
func (s *Store) Discard(tmpPath string) {
	_ = os.Remove(tmpPath)
}

func copyFileExcl(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
