package coedit

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryProject is a project that exists only in memory.
// Used by the simulator, the command line tools, and tests.
type MemoryProject struct {
	name         string
	derivedPaths []string

	mutex     sync.Mutex
	resources map[string]*MemoryResource
}

// paths under any of `derivedPaths` are derived
func NewMemoryProject(name string, derivedPaths ...string) *MemoryProject {
	return &MemoryProject{
		name:         name,
		derivedPaths: derivedPaths,
		resources:    map[string]*MemoryResource{},
	}
}

func (self *MemoryProject) Name() string {
	return self.name
}

func (self *MemoryProject) Resource(resourcePath string) (Resource, error) {
	return self.MemoryResource(resourcePath)
}

// MemoryResource returns the same handle for the same path.
func (self *MemoryProject) MemoryResource(resourcePath string) (*MemoryResource, error) {
	cleaned, err := CleanResourcePath(resourcePath)
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if resource, ok := self.resources[cleaned]; ok {
		return resource, nil
	}
	resource := &MemoryResource{
		project: self,
		path:    cleaned,
		derived: self.isDerived(cleaned),
	}
	self.resources[cleaned] = resource
	return resource, nil
}

func (self *MemoryProject) RequireResource(resourcePath string) *MemoryResource {
	resource, err := self.MemoryResource(resourcePath)
	if err != nil {
		panic(err)
	}
	return resource
}

func (self *MemoryProject) isDerived(resourcePath string) bool {
	for _, derivedPath := range self.derivedPaths {
		if resourcePath == derivedPath || strings.HasPrefix(resourcePath, derivedPath+"/") {
			return true
		}
	}
	return false
}

func (self *MemoryProject) String() string {
	return fmt.Sprintf("project(%s)", self.name)
}

type MemoryResource struct {
	project *MemoryProject
	path    string
	derived bool
	folder  atomic.Bool
}

func (self *MemoryResource) Project() Project {
	return self.project
}

func (self *MemoryResource) Path() string {
	return self.path
}

func (self *MemoryResource) IsDerived() bool {
	return self.derived
}

func (self *MemoryResource) IsFolder() bool {
	return self.folder.Load()
}

func (self *MemoryResource) String() string {
	return fmt.Sprintf("%s/%s", self.project.name, self.path)
}

// MemoryWorkspace keeps resource contents in memory.
type MemoryWorkspace struct {
	mutex   sync.Mutex
	texts   map[Resource]string
	folders map[Resource]bool
}

func NewMemoryWorkspace() *MemoryWorkspace {
	return &MemoryWorkspace{
		texts:   map[Resource]string{},
		folders: map[Resource]bool{},
	}
}

func (self *MemoryWorkspace) Text(resource Resource) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	text, ok := self.texts[resource]
	if !ok {
		return "", fmt.Errorf("%w: no document %s", ErrInvalidArgument, resource.Path())
	}
	return text, nil
}

func (self *MemoryWorkspace) SetText(resource Resource, text string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.texts[resource] = text
	return nil
}

func (self *MemoryWorkspace) Exists(resource Resource) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, file := self.texts[resource]
	return file || self.folders[resource]
}

func (self *MemoryWorkspace) CreateFile(resource Resource, content []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.texts[resource]; ok {
		return fmt.Errorf("%w: file exists %s", ErrIllegalState, resource.Path())
	}
	self.texts[resource] = string(content)
	return nil
}

func (self *MemoryWorkspace) CreateFolder(resource Resource) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if memoryResource, ok := resource.(*MemoryResource); ok {
		memoryResource.folder.Store(true)
	}
	self.folders[resource] = true
	return nil
}

func (self *MemoryWorkspace) Remove(resource Resource) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, file := self.texts[resource]
	if !file && !self.folders[resource] {
		return fmt.Errorf("%w: no resource %s", ErrIllegalState, resource.Path())
	}
	delete(self.texts, resource)
	delete(self.folders, resource)
	return nil
}

func (self *MemoryWorkspace) Move(from Resource, to Resource) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	text, ok := self.texts[from]
	if !ok {
		return fmt.Errorf("%w: no file %s", ErrIllegalState, from.Path())
	}
	if _, ok := self.texts[to]; ok {
		return fmt.Errorf("%w: file exists %s", ErrIllegalState, to.Path())
	}
	delete(self.texts, from)
	self.texts[to] = text
	return nil
}
