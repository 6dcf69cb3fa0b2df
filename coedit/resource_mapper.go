package coedit

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type projectShare struct {
	projectId string
	project   Project
	partial   bool
	// project relative paths, only for partially shared projects
	resourcePaths map[string]bool
}

// SharedResourceMapper tracks which projects and resources are in the session.
// A project is either completely shared (every current and future
// non-derived member) or partially shared (only the listed resources and
// their descendants).
//
// Mutations are atomic with respect to queries.
type SharedResourceMapper struct {
	stateLock       sync.RWMutex
	idProjectShares map[string]*projectShare
	projectShares   map[Project]*projectShare
}

func NewSharedResourceMapper() *SharedResourceMapper {
	return &SharedResourceMapper{
		idProjectShares: map[string]*projectShare{},
		projectShares:   map[Project]*projectShare{},
	}
}

// AddProject registers `project` under `projectId`, or upgrades an existing
// registration from partially to completely shared.
// A downgrade from completely to partially shared is rejected.
func (self *SharedResourceMapper) AddProject(projectId string, project Project, partial bool) error {
	if projectId == "" {
		return fmt.Errorf("%w: project id is empty", ErrInvalidArgument)
	}
	if project == nil {
		return fmt.Errorf("%w: project is nil", ErrInvalidArgument)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	share, ok := self.projectShares[project]
	if ok && share.projectId != projectId {
		return fmt.Errorf("%w: project %s is already registered with id %s", ErrIllegalState, project.Name(), share.projectId)
	}
	if idShare, ok := self.idProjectShares[projectId]; ok && idShare.project != project {
		return fmt.Errorf("%w: id %s is already bound to project %s", ErrIllegalState, projectId, idShare.project.Name())
	}

	if !ok {
		share = &projectShare{
			projectId: projectId,
			project:   project,
			partial:   partial,
		}
		if partial {
			share.resourcePaths = map[string]bool{}
		}
		self.projectShares[project] = share
		self.idProjectShares[projectId] = share
		glog.V(1).Infof("[mapper]add project %s id=%s partial=%t\n", project.Name(), projectId, partial)
		return nil
	}

	switch {
	case share.partial && !partial:
		// upgrade
		share.partial = false
		share.resourcePaths = nil
		glog.V(1).Infof("[mapper]upgrade project %s id=%s to completely shared\n", project.Name(), projectId)
	case !share.partial && partial:
		return fmt.Errorf("%w: cannot downgrade completely shared project %s to partially shared", ErrIllegalState, project.Name())
	}
	return nil
}

func (self *SharedResourceMapper) RemoveProject(projectId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	share, ok := self.idProjectShares[projectId]
	if !ok {
		glog.Warningf("[mapper]remove unknown project id %s\n", projectId)
		return
	}
	delete(self.idProjectShares, projectId)
	delete(self.projectShares, share.project)
}

// must be called with the state lock
func (self *SharedResourceMapper) partialShare(project Project) (*projectShare, error) {
	if project == nil {
		return nil, fmt.Errorf("%w: project is nil", ErrInvalidArgument)
	}
	share, ok := self.projectShares[project]
	if !ok {
		return nil, fmt.Errorf("%w: project %s is not shared", ErrIllegalState, project.Name())
	}
	if !share.partial {
		return nil, fmt.Errorf("%w: project %s is completely shared", ErrIllegalState, project.Name())
	}
	return share, nil
}

func resourcePaths(project Project, resources []Resource) ([]string, error) {
	paths := make([]string, 0, len(resources))
	for _, resource := range resources {
		if resource == nil {
			return nil, fmt.Errorf("%w: resource is nil", ErrInvalidArgument)
		}
		if resource.Project() != project {
			return nil, fmt.Errorf("%w: resource %s is not in project %s", ErrInvalidArgument, resource.Path(), project.Name())
		}
		paths = append(paths, resource.Path())
	}
	return paths, nil
}

// AddResources extends the resource list of a partially shared project.
func (self *SharedResourceMapper) AddResources(project Project, resources []Resource) error {
	return self.RemoveAndAddResources(project, nil, resources)
}

// RemoveResources shrinks the resource list of a partially shared project.
func (self *SharedResourceMapper) RemoveResources(project Project, resources []Resource) error {
	return self.RemoveAndAddResources(project, resources, nil)
}

// RemoveAndAddResources removes then adds in one atomic step.
// On error nothing changes.
func (self *SharedResourceMapper) RemoveAndAddResources(project Project, removedResources []Resource, addedResources []Resource) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	share, err := self.partialShare(project)
	if err != nil {
		return err
	}
	removedPaths, err := resourcePaths(project, removedResources)
	if err != nil {
		return err
	}
	addedPaths, err := resourcePaths(project, addedResources)
	if err != nil {
		return err
	}

	for _, removedPath := range removedPaths {
		delete(share.resourcePaths, removedPath)
	}
	for _, addedPath := range addedPaths {
		share.resourcePaths[addedPath] = true
	}
	return nil
}

// IsShared is true when the resource takes part in the session.
// Derived resources are never shared implicitly.
func (self *SharedResourceMapper) IsShared(resource Resource) bool {
	if resource == nil {
		return false
	}

	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	share, ok := self.projectShares[resource.Project()]
	if !ok {
		return false
	}
	if !share.partial {
		return !resource.IsDerived()
	}
	if share.resourcePaths[resource.Path()] {
		// explicitly listed
		return true
	}
	if resource.IsDerived() {
		return false
	}
	for _, ancestorPath := range ancestorPaths(resource.Path()) {
		if share.resourcePaths[ancestorPath] {
			return true
		}
	}
	return false
}

func (self *SharedResourceMapper) IsPartiallyShared(project Project) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	share, ok := self.projectShares[project]
	return ok && share.partial
}

func (self *SharedResourceMapper) IsCompletelyShared(project Project) bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	share, ok := self.projectShares[project]
	return ok && !share.partial
}

// Project returns the project bound to `projectId`, or nil.
func (self *SharedResourceMapper) Project(projectId string) Project {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	share, ok := self.idProjectShares[projectId]
	if !ok {
		return nil
	}
	return share.project
}

// ProjectId returns the id of `project`, or "" when it is not shared.
func (self *SharedResourceMapper) ProjectId(project Project) string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	share, ok := self.projectShares[project]
	if !ok {
		return ""
	}
	return share.projectId
}

func (self *SharedResourceMapper) ProjectIds() []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	projectIds := maps.Keys(self.idProjectShares)
	sort.Strings(projectIds)
	return projectIds
}

func (self *SharedResourceMapper) Projects() []Project {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return maps.Keys(self.projectShares)
}

// PartiallySharedResources lists the explicitly shared paths of a partially
// shared project, sorted. Nil for completely shared or unknown projects.
func (self *SharedResourceMapper) PartiallySharedResources(project Project) []string {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	share, ok := self.projectShares[project]
	if !ok || !share.partial {
		return nil
	}
	paths := maps.Keys(share.resourcePaths)
	sort.Strings(paths)
	return paths
}

func (self *SharedResourceMapper) Size() int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()

	return len(self.idProjectShares)
}

// ResourceRef returns the wire address of a shared resource.
func (self *SharedResourceMapper) ResourceRef(resource Resource) (ResourceRef, error) {
	if resource == nil {
		return ResourceRef{}, fmt.Errorf("%w: resource is nil", ErrInvalidArgument)
	}
	projectId := self.ProjectId(resource.Project())
	if projectId == "" {
		return ResourceRef{}, fmt.Errorf("%w: project %s", ErrNotShared, resource.Project().Name())
	}
	return ResourceRef{
		ProjectId: projectId,
		Path:      resource.Path(),
	}, nil
}

// Resolve returns the local resource for a wire address.
func (self *SharedResourceMapper) Resolve(ref ResourceRef) (Resource, error) {
	project := self.Project(ref.ProjectId)
	if project == nil {
		return nil, fmt.Errorf("%w: project id %s", ErrNotShared, ref.ProjectId)
	}
	return project.Resource(ref.Path)
}

// Clear removes every project. Used on session teardown.
func (self *SharedResourceMapper) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.idProjectShares = map[string]*projectShare{}
	self.projectShares = map[Project]*projectShare{}
}
