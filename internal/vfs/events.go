package vfs

import "fmt"

// EventKind enumerates file system change events.
type EventKind int

const (
	EventCreate EventKind = iota
	EventDelete
	EventContentChange
	EventCopy
	EventMove
	EventRename
	EventWritableChange
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventDelete:
		return "delete"
	case EventContentChange:
		return "content-change"
	case EventCopy:
		return "copy"
	case EventMove:
		return "move"
	case EventRename:
		return "rename"
	case EventWritableChange:
		return "writable-change"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event describes one change. Which fields are set depends on Kind:
//
//	create           Parent, Name, IsDirectory
//	delete           File
//	content-change   File, OldTimestamp/NewTimestamp, OldLength/NewLength
//	copy             File (source), NewParent, NewName
//	move             File, Parent (old), NewParent
//	rename           File, Name (old), NewName
//	writable-change  File, OldWritable, NewWritable
type Event struct {
	Kind        EventKind
	File        *VirtualFile
	Parent      *VirtualFile
	NewParent   *VirtualFile
	Name        string
	NewName     string
	IsDirectory bool

	OldTimestamp, NewTimestamp int64
	OldLength, NewLength       int64
	OldWritable, NewWritable   bool

	// FromRefresh marks events produced by a refresh scan.
	FromRefresh bool
}

func (e Event) String() string {
	switch e.Kind {
	case EventCreate:
		return fmt.Sprintf("create %s/%s dir=%v", e.Parent.Path(), e.Name, e.IsDirectory)
	case EventCopy:
		return fmt.Sprintf("copy %s -> %s/%s", e.File.Path(), e.NewParent.Path(), e.NewName)
	case EventMove:
		return fmt.Sprintf("move %s -> %s", e.File.Path(), e.NewParent.Path())
	case EventRename:
		return fmt.Sprintf("rename %s -> %s", e.File.Path(), e.NewName)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.File.Path())
	}
}

// Constructors for the common event shapes.

func CreateEvent(parent *VirtualFile, name string, isDirectory, fromRefresh bool) Event {
	return Event{Kind: EventCreate, Parent: parent, Name: name, IsDirectory: isDirectory, FromRefresh: fromRefresh}
}

func DeleteEvent(file *VirtualFile, fromRefresh bool) Event {
	return Event{Kind: EventDelete, File: file, FromRefresh: fromRefresh}
}

func ContentChangeEvent(file *VirtualFile, oldTS, newTS, oldLen, newLen int64, fromRefresh bool) Event {
	return Event{
		Kind: EventContentChange, File: file,
		OldTimestamp: oldTS, NewTimestamp: newTS,
		OldLength: oldLen, NewLength: newLen,
		FromRefresh: fromRefresh,
	}
}

func CopyEvent(file, newParent *VirtualFile, newName string) Event {
	return Event{Kind: EventCopy, File: file, NewParent: newParent, NewName: newName}
}

func MoveEvent(file, oldParent, newParent *VirtualFile) Event {
	return Event{Kind: EventMove, File: file, Parent: oldParent, NewParent: newParent}
}

func RenameEvent(file *VirtualFile, oldName, newName string, fromRefresh bool) Event {
	return Event{Kind: EventRename, File: file, Name: oldName, NewName: newName, FromRefresh: fromRefresh}
}

func WritableChangeEvent(file *VirtualFile, oldWritable, newWritable, fromRefresh bool) Event {
	return Event{Kind: EventWritableChange, File: file, OldWritable: oldWritable, NewWritable: newWritable, FromRefresh: fromRefresh}
}

// Subscriber observes applied event batches. Before runs before any
// mutation of the batch, After once all of them are applied.
type Subscriber interface {
	Before(events []Event)
	After(events []Event)
}

// SubscriberFuncs adapts plain functions to Subscriber; nil funcs are skipped.
type SubscriberFuncs struct {
	BeforeFunc func(events []Event)
	AfterFunc  func(events []Event)
}

func (s SubscriberFuncs) Before(events []Event) {
	if s.BeforeFunc != nil {
		s.BeforeFunc(events)
	}
}

func (s SubscriberFuncs) After(events []Event) {
	if s.AfterFunc != nil {
		s.AfterFunc(events)
	}
}
