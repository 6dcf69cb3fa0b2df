package coedit

import (
	"fmt"

	"github.com/bringyour/coedit/protocol"
)

// Activity is a session level event and the unit of network dissemination.
// The variants are the `XxxActivity` value types in this file.
type Activity interface {
	Source() Id
	// `BroadcastId` addresses every session member
	Target() Id
	Kind() protocol.ActivityKind

	isActivity()
}

// ResourceActivity is an activity addressed to a shared resource.
type ResourceActivity interface {
	Activity
	Resource() ResourceRef
}

type ActivityHeader struct {
	SourceId Id
	TargetId Id
}

func (self ActivityHeader) Source() Id {
	return self.SourceId
}

func (self ActivityHeader) Target() Id {
	return self.TargetId
}

type ResourceHeader struct {
	Ref ResourceRef
}

func (self ResourceHeader) Resource() ResourceRef {
	return self.Ref
}

type TextEditActivity struct {
	ActivityHeader
	ResourceHeader
	Operation Operation
	// vector time of the generating side when the operation was generated
	VectorTime JupiterVectorTime
}

func NewTextEditActivity(sourceId Id, ref ResourceRef, op Operation, vectorTime JupiterVectorTime) TextEditActivity {
	return TextEditActivity{
		ActivityHeader: ActivityHeader{SourceId: sourceId},
		ResourceHeader: ResourceHeader{Ref: ref},
		Operation:      op,
		VectorTime:     vectorTime,
	}
}

func (self TextEditActivity) isActivity() {}

func (self TextEditActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_TextEdit
}

func (self TextEditActivity) String() string {
	return fmt.Sprintf("edit(%s %s %s)", self.Ref, self.Operation, self.VectorTime)
}

type TextSelectionActivity struct {
	ActivityHeader
	ResourceHeader
	Offset int
	Length int
}

func (self TextSelectionActivity) isActivity() {}

func (self TextSelectionActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_TextSelection
}

type ViewportActivity struct {
	ActivityHeader
	ResourceHeader
	StartLine int
	LineCount int
}

func (self ViewportActivity) isActivity() {}

func (self ViewportActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_Viewport
}

type Permission int

const (
	PermissionReadOnly Permission = 1
	PermissionWrite    Permission = 2
)

func (self Permission) String() string {
	switch self {
	case PermissionReadOnly:
		return "read_only"
	case PermissionWrite:
		return "write"
	default:
		return fmt.Sprintf("Permission(%d)", int(self))
	}
}

// PermissionActivity changes the write access of a session member.
type PermissionActivity struct {
	ActivityHeader
	UserId     Id
	Permission Permission
}

func (self PermissionActivity) isActivity() {}

func (self PermissionActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_Permission
}

// ChecksumActivity carries the sender's document checksum at `VectorTime`,
// which is the sender's vector time toward the receiver.
type ChecksumActivity struct {
	ActivityHeader
	ResourceHeader
	Hash       uint64
	Length     int
	VectorTime JupiterVectorTime
	// false when the sender has no valid replica of the document.
	// The receiver drops the document for resync without comparing.
	Exists bool
}

func NewChecksumActivity(sourceId Id, ref ResourceRef, checksum DocumentChecksum, vectorTime JupiterVectorTime) ChecksumActivity {
	return ChecksumActivity{
		ActivityHeader: ActivityHeader{SourceId: sourceId},
		ResourceHeader: ResourceHeader{Ref: ref},
		Hash:           checksum.Hash,
		Length:         checksum.Length,
		VectorTime:     vectorTime,
		Exists:         true,
	}
}

// NewMissingChecksumActivity marks a document the sender dropped.
func NewMissingChecksumActivity(sourceId Id, ref ResourceRef) ChecksumActivity {
	return ChecksumActivity{
		ActivityHeader: ActivityHeader{SourceId: sourceId},
		ResourceHeader: ResourceHeader{Ref: ref},
		Exists:         false,
	}
}

func (self ChecksumActivity) isActivity() {}

func (self ChecksumActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_Checksum
}

func (self ChecksumActivity) Checksum() DocumentChecksum {
	return DocumentChecksum{
		Hash:   self.Hash,
		Length: self.Length,
	}
}

func (self ChecksumActivity) String() string {
	return fmt.Sprintf("checksum(%s %016x/%d %s)", self.Ref, self.Hash, self.Length, self.VectorTime)
}

// ProgressActivity reports a long running task at the source.
type ProgressActivity struct {
	ActivityHeader
	ProgressId string
	Worked     int
	Total      int
	Message    string
	Done       bool
}

func (self ProgressActivity) isActivity() {}

func (self ProgressActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_Progress
}

type FileActivityType int

const (
	FileCreated FileActivityType = 1
	FileRemoved FileActivityType = 2
	FileMoved   FileActivityType = 3
)

// FileActivity is a structural change of the shared resource tree.
type FileActivity struct {
	ActivityHeader
	ResourceHeader
	Type FileActivityType
	// the source of a move
	OldResource ResourceRef
	// initial content of a created file
	Content []byte
}

func (self FileActivity) isActivity() {}

func (self FileActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_File
}

type FolderActivityType int

const (
	FolderCreated FolderActivityType = 1
	FolderRemoved FolderActivityType = 2
)

type FolderActivity struct {
	ActivityHeader
	ResourceHeader
	Type FolderActivityType
}

func (self FolderActivity) isActivity() {}

func (self FolderActivity) Kind() protocol.ActivityKind {
	return protocol.ActivityKind_Folder
}

// IsLatencySensitive activities flush the send batch immediately.
func IsLatencySensitive(activity Activity) bool {
	switch activity.(type) {
	case ChecksumActivity, ProgressActivity, FileActivity, FolderActivity:
		return true
	default:
		return false
	}
}

// ActivityResource returns the addressed resource, if any.
func ActivityResource(activity Activity) (ResourceRef, bool) {
	if resourceActivity, ok := activity.(ResourceActivity); ok {
		return resourceActivity.Resource(), true
	}
	return ResourceRef{}, false
}

// WithSource returns a copy of `activity` sent from `sourceId`.
func WithSource(activity Activity, sourceId Id) Activity {
	return withHeader(activity, func(header *ActivityHeader) {
		header.SourceId = sourceId
	})
}

// WithTarget returns a copy of `activity` addressed to `targetId`.
func WithTarget(activity Activity, targetId Id) Activity {
	return withHeader(activity, func(header *ActivityHeader) {
		header.TargetId = targetId
	})
}

func withHeader(activity Activity, update func(*ActivityHeader)) Activity {
	switch v := activity.(type) {
	case TextEditActivity:
		update(&v.ActivityHeader)
		return v
	case TextSelectionActivity:
		update(&v.ActivityHeader)
		return v
	case ViewportActivity:
		update(&v.ActivityHeader)
		return v
	case PermissionActivity:
		update(&v.ActivityHeader)
		return v
	case ChecksumActivity:
		update(&v.ActivityHeader)
		return v
	case ProgressActivity:
		update(&v.ActivityHeader)
		return v
	case FileActivity:
		update(&v.ActivityHeader)
		return v
	case FolderActivity:
		update(&v.ActivityHeader)
		return v
	default:
		panic(fmt.Errorf("Unknown activity: %T", activity))
	}
}
