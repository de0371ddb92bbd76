package vfs

import "io"

// FileInfo is a point-in-time view of one delegate entry.
type FileInfo struct {
	Name        string
	IsDirectory bool
	Writable    bool
	Timestamp   int64 // modification time, UnixNano
	Length      int64
}

// Delegate is the live file system an index mirrors. Paths are slash
// separated and meaningful only to the delegate that produced them.
//
// The probing methods (Exists, IsDirectory, ...) report the zero value for
// entries that do not exist or cannot be read.
type Delegate interface {
	// Protocol names the delegate in root URLs (protocol://path).
	Protocol() string
	CaseSensitive() bool

	// List returns the names directly under a directory.
	List(path string) ([]string, error)
	Exists(path string) bool
	IsDirectory(path string) bool
	IsWritable(path string) bool
	Timestamp(path string) int64
	Length(path string) int64

	// Open returns a byte stream of the file content.
	Open(path string) (io.ReadCloser, error)
	// Create returns a byte sink replacing the file content.
	Create(path string) (io.WriteCloser, error)
	// Stat returns common.ErrNotFound for missing entries.
	Stat(path string) (FileInfo, error)
}
