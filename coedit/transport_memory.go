package coedit

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type ReceiveFrameFunction func(sourceId Id, frameBytes []byte)

type MemoryNetworkSettings struct {
	// frames buffered per (source, destination) link
	LinkBufferSize int
}

func DefaultMemoryNetworkSettings() *MemoryNetworkSettings {
	return &MemoryNetworkSettings{
		LinkBufferSize: 1024,
	}
}

type memoryLinkKey struct {
	sourceId      Id
	destinationId Id
}

// MemoryNetwork connects in process transports. Each (source, destination)
// link delivers in order on its own goroutine.
type MemoryNetwork struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryNetworkSettings

	stateLock  sync.Mutex
	transports map[Id]*MemoryTransport
	links      map[memoryLinkKey]chan []byte
}

func NewMemoryNetworkWithDefaults(ctx context.Context) *MemoryNetwork {
	return NewMemoryNetwork(ctx, DefaultMemoryNetworkSettings())
}

func NewMemoryNetwork(ctx context.Context, settings *MemoryNetworkSettings) *MemoryNetwork {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MemoryNetwork{
		ctx:        cancelCtx,
		cancel:     cancel,
		settings:   settings,
		transports: map[Id]*MemoryTransport{},
		links:      map[memoryLinkKey]chan []byte{},
	}
}

// Transport returns the transport of `localId`, creating it on first use.
func (self *MemoryNetwork) Transport(localId Id) *MemoryTransport {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if transport, ok := self.transports[localId]; ok {
		return transport
	}
	transport := &MemoryTransport{
		network:          self,
		localId:          localId,
		receiveCallbacks: NewCallbackList[ReceiveFrameFunction](),
	}
	self.transports[localId] = transport
	return transport
}

// Disconnect removes a transport. Frames in flight to it are dropped.
func (self *MemoryNetwork) Disconnect(localId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.transports, localId)
}

func (self *MemoryNetwork) Close() {
	self.cancel()
}

func (self *MemoryNetwork) link(sourceId Id, destinationId Id) (chan []byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.transports[destinationId]; !ok {
		return nil, fmt.Errorf("No route to %s.", destinationId)
	}
	key := memoryLinkKey{
		sourceId:      sourceId,
		destinationId: destinationId,
	}
	if frames, ok := self.links[key]; ok {
		return frames, nil
	}
	frames := make(chan []byte, self.settings.LinkBufferSize)
	self.links[key] = frames
	go HandleError(func() {
		self.deliver(key, frames)
	})
	return frames, nil
}

func (self *MemoryNetwork) deliver(key memoryLinkKey, frames chan []byte) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes := <-frames:
			self.stateLock.Lock()
			transport, ok := self.transports[key.destinationId]
			self.stateLock.Unlock()
			if !ok {
				glog.V(1).Infof("[memory]drop %s->%s\n", key.sourceId, key.destinationId)
				continue
			}
			transport.receive(key.sourceId, frameBytes)
		}
	}
}

type MemoryTransport struct {
	network *MemoryNetwork
	localId Id

	receiveCallbacks *CallbackList[ReceiveFrameFunction]
}

func (self *MemoryTransport) LocalId() Id {
	return self.localId
}

// returns a function that removes the callback
func (self *MemoryTransport) AddReceiveCallback(receiveCallback ReceiveFrameFunction) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

// Transport implementation
func (self *MemoryTransport) Send(ctx context.Context, destinationId Id, frameBytes []byte) error {
	frames, err := self.network.link(self.localId, destinationId)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.network.ctx.Done():
		return ErrSessionClosed
	case frames <- frameBytes:
		return nil
	}
}

func (self *MemoryTransport) receive(sourceId Id, frameBytes []byte) {
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			receiveCallback(sourceId, frameBytes)
		})
	}
}
