package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"

	"vfsindex/internal/common"
)

// BillyDelegate adapts a go-billy filesystem (osfs on disk, memfs in tests).
type BillyDelegate struct {
	fs            billy.Filesystem
	caseSensitive bool
}

// NewBillyDelegate wraps fs. caseSensitive controls name comparison during
// refresh; it should match the underlying volume.
func NewBillyDelegate(fs billy.Filesystem, caseSensitive bool) *BillyDelegate {
	return &BillyDelegate{fs: fs, caseSensitive: caseSensitive}
}

func (d *BillyDelegate) Protocol() string    { return "file" }
func (d *BillyDelegate) CaseSensitive() bool { return d.caseSensitive }

func (d *BillyDelegate) List(p string) ([]string, error) {
	entries, err := d.fs.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *BillyDelegate) Stat(p string) (FileInfo, error) {
	info, err := d.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, common.ErrNotFound
		}
		return FileInfo{}, err
	}
	return FileInfo{
		Name:        path.Base(p),
		IsDirectory: info.IsDir(),
		Writable:    info.Mode().Perm()&0200 != 0,
		Timestamp:   info.ModTime().UnixNano(),
		Length:      info.Size(),
	}, nil
}

func (d *BillyDelegate) Exists(p string) bool {
	_, err := d.Stat(p)
	return err == nil
}

func (d *BillyDelegate) IsDirectory(p string) bool {
	info, err := d.Stat(p)
	return err == nil && info.IsDirectory
}

func (d *BillyDelegate) IsWritable(p string) bool {
	info, err := d.Stat(p)
	return err == nil && info.Writable
}

func (d *BillyDelegate) Timestamp(p string) int64 {
	info, _ := d.Stat(p)
	return info.Timestamp
}

func (d *BillyDelegate) Length(p string) int64 {
	info, _ := d.Stat(p)
	return info.Length
}

func (d *BillyDelegate) Open(p string) (io.ReadCloser, error) {
	f, err := d.fs.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.ErrNotFound
	}
	return f, err
}

func (d *BillyDelegate) Create(p string) (io.WriteCloser, error) {
	return d.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

var _ Delegate = (*BillyDelegate)(nil)
