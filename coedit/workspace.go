package coedit

import (
	"fmt"
	"path"
	"strings"
)

// The types in this file are implemented by editor/IDE bindings.

// Project is a local project handle. Handles are compared by identity.
type Project interface {
	Name() string
	// Resource resolves a project relative, slash separated path.
	Resource(path string) (Resource, error)
}

// Resource is a file or folder inside a project.
type Resource interface {
	Project() Project
	// project relative, slash separated, no leading slash. The project root is "".
	Path() string
	// build output and other generated resources
	IsDerived() bool
	IsFolder() bool
}

// Workspace reads and writes the local replica of shared resources.
type Workspace interface {
	Text(resource Resource) (string, error)
	SetText(resource Resource, text string) error
	CreateFile(resource Resource, content []byte) error
	CreateFolder(resource Resource) error
	Remove(resource Resource) error
	Move(from Resource, to Resource) error
}

// ResourceRef addresses a resource on the wire.
// It never carries a local filesystem path.
type ResourceRef struct {
	ProjectId string
	Path      string
}

func (self ResourceRef) String() string {
	return fmt.Sprintf("%s:%s", self.ProjectId, self.Path)
}

func (self ResourceRef) IsZero() bool {
	return self == ResourceRef{}
}

// CleanResourcePath normalizes a project relative path.
func CleanResourcePath(resourcePath string) (string, error) {
	if strings.HasPrefix(resourcePath, "/") {
		return "", fmt.Errorf("%w: path must be project relative: %s", ErrInvalidArgument, resourcePath)
	}
	if resourcePath == "" {
		return "", nil
	}
	cleaned := path.Clean(resourcePath)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: path leaves the project: %s", ErrInvalidArgument, resourcePath)
	}
	return cleaned, nil
}

// ancestors of a resource path, nearest first, ending with the project root ""
func ancestorPaths(resourcePath string) []string {
	ancestors := []string{}
	for resourcePath != "" {
		parent := path.Dir(resourcePath)
		if parent == "." {
			parent = ""
		}
		ancestors = append(ancestors, parent)
		resourcePath = parent
	}
	return ancestors
}
