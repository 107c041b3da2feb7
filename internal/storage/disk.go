package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrExists = errors.New("file already exists")

// Disk keeps uploaded content under one directory per transfer session.
type Disk struct {
	root string
}

func NewDisk(root string) (*Disk, error) {
	if root == "" {
		dir, err := os.MkdirTemp("", "filedrop-")
		if err != nil {
			return nil, fmt.Errorf("create upload root: %w", err)
		}
		root = dir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload root: %w", err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) Root() string { return d.root }

// SessionDir is where every file of the session lives.
func (d *Disk) SessionDir(sessionID string) string {
	return filepath.Join(d.root, filepath.Base(sessionID))
}

// CreateTemp opens a scratch file inside the session directory. The caller
// either commits it to its final name or discards it.
func (d *Disk) CreateTemp(sessionID string) (*os.File, error) {
	dir := d.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return nil, fmt.Errorf("create part file: %w", err)
	}
	return f, nil
}

// Commit moves a scratch file to rel, a cleaned slash-separated path relative
// to the session directory, and returns the final path.
func (d *Disk) Commit(tmpPath, sessionID, rel string) (string, error) {
	dir := d.SessionDir(sessionID)
	dst := filepath.Join(dir, filepath.FromSlash(rel))
	if r, err := filepath.Rel(dir, dst); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", fmt.Errorf("%s: %w", rel, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("commit %s: %w", rel, err)
	}
	return dst, nil
}

// Discard removes a scratch or committed file, ignoring absence.
func (d *Disk) Discard(path string) {
	_ = os.Remove(path)
}

// RemoveSession deletes the session directory and everything in it.
func (d *Disk) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(d.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
