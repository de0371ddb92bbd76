package commands

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/viant/afs"

	"vfsindex/internal/storage"
	"vfsindex/internal/vfs"
)

// index is one CLI session over the configured store.
type index struct {
	store *storage.Store
	fs    *vfs.PersistentFS
}

func openIndex() (*index, error) {
	store, err := storage.ConnectWithOptions(settings.StoreDir, storage.Options{
		LockTimeout:   settings.LockTimeout(),
		NameCacheSize: settings.NameCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", settings.StoreDir, err)
	}
	pfs := vfs.New(store, vfs.Options{
		Filter:            vfs.NewNameFilter(settings.Excludes),
		ContentCacheLimit: settings.ContentCacheLimit,
	})
	return &index{store: store, fs: pfs}, nil
}

func (ix *index) Close() error {
	return ix.store.Dispose()
}

// withIndex runs fn with an open index and closes it afterwards.
func withIndex(fn func(ix *index) error) error {
	ix, err := openIndex()
	if err != nil {
		return err
	}
	runErr := fn(ix)
	if err := ix.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// localCaseSensitive reports the usual case policy of local volumes.
func localCaseSensitive() bool {
	return runtime.GOOS != "darwin" && runtime.GOOS != "windows"
}

// resolveDelegate maps a command line target to a delegate and its
// delegate path. Targets with a scheme go through afs, anything else is a
// local path.
func resolveDelegate(ctx context.Context, target string) (vfs.Delegate, string, error) {
	if strings.Contains(target, "://") {
		scheme, p := vfs.SplitURL(target)
		if scheme == "" || p == "" {
			return nil, "", fmt.Errorf("invalid URL %q", target)
		}
		return vfs.NewAFSDelegate(ctx, afs.New(), scheme), p, nil
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return vfs.NewBillyDelegate(osfs.New("/"), localCaseSensitive()), filepath.ToSlash(abs), nil
}

// findRoot attaches target as a root.
func (ix *index) findRoot(cmd *cobra.Command, target string) (*vfs.VirtualFile, error) {
	d, p, err := resolveDelegate(cmd.Context(), target)
	if err != nil {
		return nil, err
	}
	return ix.fs.FindRoot(d, p)
}

// findFile resolves target: a directory becomes a root, a file is looked
// up under its parent directory as root.
func (ix *index) findFile(cmd *cobra.Command, target string) (*vfs.VirtualFile, error) {
	d, p, err := resolveDelegate(cmd.Context(), target)
	if err != nil {
		return nil, err
	}
	if d.IsDirectory(p) {
		return ix.fs.FindRoot(d, p)
	}
	parent := path.Dir(p)
	return ix.fs.FindFileByPath(d, parent, path.Base(p))
}
