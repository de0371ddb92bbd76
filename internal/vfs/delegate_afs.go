package vfs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"

	"vfsindex/internal/common"
)

// AFSDelegate adapts URL-addressed storage through viant/afs. Paths are
// URLs without the scheme, e.g. "localhost/p/a.txt" for mem://localhost/p/a.txt.
type AFSDelegate struct {
	ctx    context.Context
	svc    afs.Service
	scheme string
}

// NewAFSDelegate creates a delegate for scheme ("mem", "gs", "file", ...).
func NewAFSDelegate(ctx context.Context, svc afs.Service, scheme string) *AFSDelegate {
	if svc == nil {
		svc = afs.New()
	}
	return &AFSDelegate{ctx: ctx, svc: svc, scheme: scheme}
}

// SplitURL splits rawURL into the scheme and a delegate path.
func SplitURL(rawURL string) (scheme, p string) {
	scheme = url.Scheme(rawURL, "")
	return scheme, strings.TrimPrefix(rawURL, scheme+"://")
}

func (d *AFSDelegate) Protocol() string    { return d.scheme }
func (d *AFSDelegate) CaseSensitive() bool { return true }

func (d *AFSDelegate) url(p string) string {
	return d.scheme + "://" + p
}

func (d *AFSDelegate) List(p string) ([]string, error) {
	location := d.url(p)
	objects, err := d.svc.List(d.ctx, location)
	if err != nil {
		if ok, _ := d.svc.Exists(d.ctx, location); !ok {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	self := url.Path(location)
	names := make([]string, 0, len(objects))
	for _, object := range objects {
		// the listed directory itself comes back as one of the objects
		if url.Equals(url.Path(object.URL()), self) {
			continue
		}
		names = append(names, object.Name())
	}
	return names, nil
}

func (d *AFSDelegate) object(p string) (storage.Object, error) {
	location := d.url(p)
	ok, err := d.svc.Exists(d.ctx, location)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrNotFound
	}
	return d.svc.Object(d.ctx, location)
}

func (d *AFSDelegate) Stat(p string) (FileInfo, error) {
	object, err := d.object(p)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:        path.Base(p),
		IsDirectory: object.IsDir(),
		Writable:    object.Mode().Perm()&0200 != 0 || object.Mode().Perm() == 0,
		Timestamp:   object.ModTime().UnixNano(),
		Length:      object.Size(),
	}, nil
}

func (d *AFSDelegate) Exists(p string) bool {
	ok, err := d.svc.Exists(d.ctx, d.url(p))
	return err == nil && ok
}

func (d *AFSDelegate) IsDirectory(p string) bool {
	info, err := d.Stat(p)
	return err == nil && info.IsDirectory
}

func (d *AFSDelegate) IsWritable(p string) bool {
	info, err := d.Stat(p)
	return err == nil && info.Writable
}

func (d *AFSDelegate) Timestamp(p string) int64 {
	info, _ := d.Stat(p)
	return info.Timestamp
}

func (d *AFSDelegate) Length(p string) int64 {
	info, _ := d.Stat(p)
	return info.Length
}

func (d *AFSDelegate) Open(p string) (io.ReadCloser, error) {
	object, err := d.object(p)
	if err != nil {
		return nil, err
	}
	if object.IsDir() {
		return nil, fmt.Errorf("open %s: %w", d.url(p), common.ErrIsDir)
	}
	return d.svc.Open(d.ctx, object)
}

func (d *AFSDelegate) Create(p string) (io.WriteCloser, error) {
	return d.svc.NewWriter(d.ctx, d.url(p), 0644)
}

var _ Delegate = (*AFSDelegate)(nil)
