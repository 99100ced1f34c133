package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	// ErrFilestore is wrapped by every filestore failure.
	ErrFilestore = errors.New("filestore error")

	// ErrDirectoryTraversal indicates a name that escapes the filestore root.
	ErrDirectoryTraversal = errors.New("path contains directory traversal")
)

// WriteMode selects how WriteFile opens an existing file.
type WriteMode uint8

const (
	// Overwrite truncates the file.
	Overwrite WriteMode = iota
	// Append writes after the existing content.
	Append
)

// Filestore is the virtual filestore consumed by an entity.
type Filestore interface {
	CreateFile(name string) error
	WriteFile(name string, mode WriteMode) (io.WriteCloser, error)
	ReadFile(name string, offset uint64, length int) ([]byte, error)
	FileSize(name string) (uint64, error)
	IsUnboundedFile(name string) (bool, error)

	DeleteFile(name string) error
	RenameFile(oldName, newName string) error
	// AppendFile appends the content of source to name.
	AppendFile(name, source string) error
	// ReplaceFile replaces the content of name with the content of source.
	ReplaceFile(name, source string) error
	CreateDirectory(name string) error
	RemoveDirectory(name string) error
	// DenyFile deletes name if it exists.
	DenyFile(name string) error
	// DenyDirectory removes name if it exists.
	DenyDirectory(name string) error
}

// ValidatePath cleans a filestore name and rejects directory traversal.
func ValidatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty file name", ErrFilestore)
	}
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %w: %s", ErrFilestore, ErrDirectoryTraversal, path)
		}
	}
	return cleaned, nil
}

// Afero is a Filestore backed by an afero.Fs.
type Afero struct {
	fs afero.Fs
}

// NewAfero wraps fs.
func NewAfero(fs afero.Fs) *Afero {
	return &Afero{fs: fs}
}

// NewOS returns a filestore rooted at dir on the local disk.
func NewOS(dir string) *Afero {
	return NewAfero(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// NewMemory returns an empty in-memory filestore.
func NewMemory() *Afero {
	return NewAfero(afero.NewMemMapFs())
}

// Fs exposes the underlying filesystem.
func (a *Afero) Fs() afero.Fs { return a.fs }

func wrap(op, name string, err error) error {
	logrus.WithFields(logrus.Fields{
		"function": op,
		"name":     name,
		"error":    err.Error(),
	}).Debug("Filestore operation failed")
	return fmt.Errorf("%w: %s %s: %w", ErrFilestore, op, name, err)
}

// CreateFile creates an empty file, truncating any existing one.
func (a *Afero) CreateFile(name string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	if err := a.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return wrap("CreateFile", name, err)
	}
	f, err := a.fs.Create(name)
	if err != nil {
		return wrap("CreateFile", name, err)
	}
	if err := f.Close(); err != nil {
		return wrap("CreateFile", name, err)
	}
	return nil
}

// WriteFile opens name for writing, creating parent directories as needed.
func (a *Afero) WriteFile(name string, mode WriteMode) (io.WriteCloser, error) {
	name, err := ValidatePath(name)
	if err != nil {
		return nil, err
	}
	if err := a.fs.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return nil, wrap("WriteFile", name, err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if mode == Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := a.fs.OpenFile(name, flags, 0o644)
	if err != nil {
		return nil, wrap("WriteFile", name, err)
	}
	return f, nil
}

// ReadFile reads up to length bytes at offset. A short result means the end
// of the file was reached.
func (a *Afero) ReadFile(name string, offset uint64, length int) ([]byte, error) {
	name, err := ValidatePath(name)
	if err != nil {
		return nil, err
	}
	f, err := a.fs.Open(name)
	if err != nil {
		return nil, wrap("ReadFile", name, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, wrap("ReadFile", name, err)
	}
	return buf[:n], nil
}

// FileSize returns the size of a regular file.
func (a *Afero) FileSize(name string) (uint64, error) {
	name, err := ValidatePath(name)
	if err != nil {
		return 0, err
	}
	info, err := a.fs.Stat(name)
	if err != nil {
		return 0, wrap("FileSize", name, err)
	}
	if info.IsDir() {
		return 0, wrap("FileSize", name, errors.New("is a directory"))
	}
	return uint64(info.Size()), nil
}

// IsUnboundedFile reports whether name has no size known in advance, such as
// a pipe or device.
func (a *Afero) IsUnboundedFile(name string) (bool, error) {
	name, err := ValidatePath(name)
	if err != nil {
		return false, err
	}
	info, err := a.fs.Stat(name)
	if err != nil {
		return false, wrap("IsUnboundedFile", name, err)
	}
	return !info.Mode().IsRegular() && !info.IsDir(), nil
}

// DeleteFile removes a file.
func (a *Afero) DeleteFile(name string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	info, err := a.fs.Stat(name)
	if err != nil {
		return wrap("DeleteFile", name, err)
	}
	if info.IsDir() {
		return wrap("DeleteFile", name, errors.New("is a directory"))
	}
	if err := a.fs.Remove(name); err != nil {
		return wrap("DeleteFile", name, err)
	}
	return nil
}

// RenameFile renames oldName to newName. It fails if newName exists.
func (a *Afero) RenameFile(oldName, newName string) error {
	oldName, err := ValidatePath(oldName)
	if err != nil {
		return err
	}
	newName, err = ValidatePath(newName)
	if err != nil {
		return err
	}
	if exists, _ := afero.Exists(a.fs, newName); exists {
		return wrap("RenameFile", newName, os.ErrExist)
	}
	if err := a.fs.Rename(oldName, newName); err != nil {
		return wrap("RenameFile", oldName, err)
	}
	return nil
}

// AppendFile appends the content of source to name.
func (a *Afero) AppendFile(name, source string) error {
	return a.copyInto("AppendFile", name, source, Append)
}

// ReplaceFile replaces the content of name with the content of source.
func (a *Afero) ReplaceFile(name, source string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	if exists, _ := afero.Exists(a.fs, name); !exists {
		return wrap("ReplaceFile", name, os.ErrNotExist)
	}
	return a.copyInto("ReplaceFile", name, source, Overwrite)
}

func (a *Afero) copyInto(op, name, source string, mode WriteMode) error {
	source, err := ValidatePath(source)
	if err != nil {
		return err
	}
	src, err := a.fs.Open(source)
	if err != nil {
		return wrap(op, source, err)
	}
	defer src.Close()

	dst, err := a.WriteFile(name, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return wrap(op, name, err)
	}
	if err := dst.Close(); err != nil {
		return wrap(op, name, err)
	}
	return nil
}

// CreateDirectory creates name and any missing parents.
func (a *Afero) CreateDirectory(name string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	if err := a.fs.MkdirAll(name, 0o755); err != nil {
		return wrap("CreateDirectory", name, err)
	}
	return nil
}

// RemoveDirectory removes an empty directory.
func (a *Afero) RemoveDirectory(name string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	isDir, err := afero.IsDir(a.fs, name)
	if err != nil {
		return wrap("RemoveDirectory", name, err)
	}
	if !isDir {
		return wrap("RemoveDirectory", name, errors.New("not a directory"))
	}
	if err := a.fs.Remove(name); err != nil {
		return wrap("RemoveDirectory", name, err)
	}
	return nil
}

// DenyFile deletes name if it exists.
func (a *Afero) DenyFile(name string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	if exists, _ := afero.Exists(a.fs, name); !exists {
		return nil
	}
	return a.DeleteFile(name)
}

// DenyDirectory removes name if it exists.
func (a *Afero) DenyDirectory(name string) error {
	name, err := ValidatePath(name)
	if err != nil {
		return err
	}
	if exists, _ := afero.DirExists(a.fs, name); !exists {
		return nil
	}
	return a.RemoveDirectory(name)
}
