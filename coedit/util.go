package coedit

import (
	"sync"
)

// Monitor hands out a channel that is closed on the next `NotifyAll`.
type Monitor struct {
	mutex  sync.Mutex
	notify chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		notify: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notify
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	// close the update channel and create a new one
	close(self.notify)
	self.notify = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1

	nextCallbackIds := make([]int, len(self.callbackIds), len(self.callbackIds)+1)
	copy(nextCallbackIds, self.callbackIds)
	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, id := range self.callbackIds {
		if id == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}
	nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
	nextCallbacks := make([]T, 0, len(self.callbacks)-1)
	nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbackIds = nil
	self.callbacks = nil
}
