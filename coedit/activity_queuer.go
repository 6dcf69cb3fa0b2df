package coedit

import (
	"sync"

	"github.com/golang/glog"

	"github.com/bringyour/coedit/protocol"
)

type optimizeKey struct {
	kind     protocol.ActivityKind
	sourceId Id
	ref      ResourceRef
}

// Optimize drops every selection and viewport activity that is followed by a
// later one of the same kind, from the same source, for the same resource.
// Everything else keeps its relative order. Optimize does not modify its input.
func Optimize(activities []Activity) []Activity {
	keep := make([]bool, len(activities))
	seen := map[optimizeKey]bool{}
	for i := len(activities) - 1; 0 <= i; i -= 1 {
		activity := activities[i]
		switch activity.(type) {
		case TextSelectionActivity, ViewportActivity:
			ref, _ := ActivityResource(activity)
			key := optimizeKey{
				kind:     activity.Kind(),
				sourceId: activity.Source(),
				ref:      ref,
			}
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		keep[i] = true
	}

	optimized := make([]Activity, 0, len(activities))
	for i, activity := range activities {
		if keep[i] {
			optimized = append(optimized, activity)
		}
	}
	return optimized
}

// ActivityQueuer holds back activities for projects whose negotiation has not
// finished, so that routing state exists before they are sent.
type ActivityQueuer struct {
	mutex            sync.Mutex
	queuedProjectIds map[string]bool
	activities       []Activity
}

func NewActivityQueuer() *ActivityQueuer {
	return &ActivityQueuer{
		queuedProjectIds: map[string]bool{},
		activities:       []Activity{},
	}
}

// Enqueue buffers an activity unconditionally.
func (self *ActivityQueuer) Enqueue(activity Activity) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.activities = append(self.activities, activity)
}

// Flush returns the optimized buffer and clears it.
func (self *ActivityQueuer) Flush() []Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	activities := self.activities
	self.activities = []Activity{}
	return Optimize(activities)
}

func (self *ActivityQueuer) EnableQueuing(projectId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	glog.V(1).Infof("[queuer]enable queuing for %s\n", projectId)
	self.queuedProjectIds[projectId] = true
}

// DisableQueuing stops queuing for the project and returns its buffered
// activities, optimized. Buffered activities for other projects stay queued.
func (self *ActivityQueuer) DisableQueuing(projectId string) []Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.queuedProjectIds, projectId)

	released := []Activity{}
	remaining := []Activity{}
	for _, activity := range self.activities {
		if inProject(activity, projectId) && !self.isQueued(activity) {
			released = append(released, activity)
		} else {
			remaining = append(remaining, activity)
		}
	}
	self.activities = remaining
	glog.V(1).Infof("[queuer]disable queuing for %s, released %d\n", projectId, len(released))
	return Optimize(released)
}

func (self *ActivityQueuer) IsQueuing(projectId string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.queuedProjectIds[projectId]
}

// Process returns the activities that may be sent now and buffers the rest.
func (self *ActivityQueuer) Process(activities []Activity) []Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.queuedProjectIds) == 0 {
		return activities
	}

	passed := []Activity{}
	for _, activity := range activities {
		if self.isQueued(activity) {
			self.activities = append(self.activities, activity)
		} else {
			passed = append(passed, activity)
		}
	}
	return passed
}

// Clear drops everything, including the queued projects.
func (self *ActivityQueuer) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.queuedProjectIds = map[string]bool{}
	self.activities = []Activity{}
}

// must be called with the mutex
func (self *ActivityQueuer) isQueued(activity Activity) bool {
	if ref, ok := ActivityResource(activity); ok && self.queuedProjectIds[ref.ProjectId] {
		return true
	}
	if fileActivity, ok := activity.(FileActivity); ok && fileActivity.Type == FileMoved {
		return self.queuedProjectIds[fileActivity.OldResource.ProjectId]
	}
	return false
}

func inProject(activity Activity, projectId string) bool {
	if ref, ok := ActivityResource(activity); ok && ref.ProjectId == projectId {
		return true
	}
	if fileActivity, ok := activity.(FileActivity); ok && fileActivity.Type == FileMoved {
		return fileActivity.OldResource.ProjectId == projectId
	}
	return false
}
