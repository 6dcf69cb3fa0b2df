package coedit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Transport delivers frames to one peer, reliably and in order.
// Received frames are passed to `ActivitySequencer.Receive` by the transport
// owner, from one goroutine per peer.
type Transport interface {
	Send(ctx context.Context, destinationId Id, frameBytes []byte) error
}

type ReceiveActivityFunction func(sourceId Id, activity Activity)

// peerId is the peer whose sequence failed
type SequencerErrorFunction func(peerId Id, err error)

type SequencerSettings struct {
	// a batch is held at most this long waiting for more activities
	FlushInterval         time.Duration `yaml:"flush_interval"`
	MaxBatchActivityCount int           `yaml:"max_batch_activity_count"`
	MaxBatchByteCount     ByteCount     `yaml:"max_batch_byte_count"`
	SendTimeout           time.Duration `yaml:"send_timeout"`
	// retries after the first attempt. Linear backoff
	SendRetryCount    int           `yaml:"send_retry_count"`
	SendRetryInterval time.Duration `yaml:"send_retry_interval"`
	// a receive gap open this long fails the sequence
	GapTimeout time.Duration `yaml:"gap_timeout"`
}

func DefaultSequencerSettings() *SequencerSettings {
	return &SequencerSettings{
		FlushInterval:         20 * time.Millisecond,
		MaxBatchActivityCount: 64,
		MaxBatchByteCount:     kib(256),
		SendTimeout:           10 * time.Second,
		SendRetryCount:        3,
		SendRetryInterval:     500 * time.Millisecond,
		GapTimeout:            30 * time.Second,
	}
}

// ActivitySequencer assigns per peer sequence numbers to outgoing activities,
// batches them into frames, and releases received activities in sequence order.
// Ordering holds per peer only.
type ActivitySequencer struct {
	ctx    context.Context
	cancel context.CancelFunc

	localId   Id
	transport Transport
	settings  *SequencerSettings
	metrics   *SequencerMetrics

	stateLock        sync.Mutex
	sendSequences    map[Id]*sendSequence
	receiveSequences map[Id]*receiveSequence

	receiveCallbacks *CallbackList[ReceiveActivityFunction]
	errorCallbacks   *CallbackList[SequencerErrorFunction]
}

func NewActivitySequencerWithDefaults(
	ctx context.Context,
	localId Id,
	transport Transport,
) *ActivitySequencer {
	return NewActivitySequencer(ctx, localId, transport, DefaultSequencerSettings(), nil)
}

// `metrics` may be nil
func NewActivitySequencer(
	ctx context.Context,
	localId Id,
	transport Transport,
	settings *SequencerSettings,
	metrics *SequencerMetrics,
) *ActivitySequencer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ActivitySequencer{
		ctx:              cancelCtx,
		cancel:           cancel,
		localId:          localId,
		transport:        transport,
		settings:         settings,
		metrics:          metrics,
		sendSequences:    map[Id]*sendSequence{},
		receiveSequences: map[Id]*receiveSequence{},
		receiveCallbacks: NewCallbackList[ReceiveActivityFunction](),
		errorCallbacks:   NewCallbackList[SequencerErrorFunction](),
	}
}

func (self *ActivitySequencer) LocalId() Id {
	return self.localId
}

// returns a function that removes the callback
func (self *ActivitySequencer) AddReceiveCallback(receiveCallback ReceiveActivityFunction) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

// returns a function that removes the callback
func (self *ActivitySequencer) AddErrorCallback(errorCallback SequencerErrorFunction) func() {
	return self.errorCallbacks.Add(errorCallback)
}

// Send queues `activity` for each destination. The activity target is kept
// as is; routing uses `destinationIds` only.
func (self *ActivitySequencer) Send(activity Activity, destinationIds ...Id) error {
	if activity == nil {
		return fmt.Errorf("%w: activity is nil", ErrInvalidArgument)
	}
	for _, destinationId := range destinationIds {
		if destinationId.IsBroadcast() || destinationId == self.localId {
			return fmt.Errorf("%w: cannot send to %s", ErrInvalidArgument, destinationId)
		}
	}

	for _, destinationId := range destinationIds {
		sendSequence, err := self.openSendSequence(destinationId)
		if err != nil {
			return err
		}
		if err := sendSequence.enqueue(activity); err != nil {
			return err
		}
	}
	return nil
}

func (self *ActivitySequencer) openSendSequence(destinationId Id) (*sendSequence, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	if sendSequence, ok := self.sendSequences[destinationId]; ok {
		return sendSequence, nil
	}
	sendSequence := newSendSequence(self, destinationId)
	self.sendSequences[destinationId] = sendSequence
	go HandleError(sendSequence.Run, sendSequence.Close)
	return sendSequence, nil
}

func (self *ActivitySequencer) openReceiveSequence(sourceId Id) (*receiveSequence, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	if receiveSequence, ok := self.receiveSequences[sourceId]; ok {
		return receiveSequence, nil
	}
	receiveSequence := newReceiveSequence(self, sourceId)
	self.receiveSequences[sourceId] = receiveSequence
	return receiveSequence, nil
}

// Receive decodes a frame from `sourceId` and releases the activities that
// are now in order to the receive callbacks, on the calling goroutine.
func (self *ActivitySequencer) Receive(sourceId Id, frameBytes []byte) error {
	batchSourceId, sequencedActivities, err := FromActivityBatchFrame(frameBytes)
	if err != nil {
		return err
	}
	if batchSourceId != sourceId {
		return fmt.Errorf("%w: batch from %s arrived on the channel of %s", ErrInvalidArgument, batchSourceId, sourceId)
	}

	receiveSequence, err := self.openReceiveSequence(sourceId)
	if err != nil {
		return err
	}
	receiveSequence.receive(sequencedActivities)
	return nil
}

// RemovePeer drops both sequences of a peer. Queued activities are discarded.
func (self *ActivitySequencer) RemovePeer(peerId Id) {
	self.stateLock.Lock()
	sendSequence := self.sendSequences[peerId]
	receiveSequence := self.receiveSequences[peerId]
	delete(self.sendSequences, peerId)
	delete(self.receiveSequences, peerId)
	self.stateLock.Unlock()

	if sendSequence != nil {
		sendSequence.Close()
	}
	if receiveSequence != nil {
		receiveSequence.Close()
	}
}

// Close drains and discards all queues. Later calls to `Send` and `Receive`
// return `ErrSessionClosed`.
func (self *ActivitySequencer) Close() {
	self.stateLock.Lock()
	self.cancel()
	sendSequences := self.sendSequences
	receiveSequences := self.receiveSequences
	self.sendSequences = map[Id]*sendSequence{}
	self.receiveSequences = map[Id]*receiveSequence{}
	self.stateLock.Unlock()

	for _, sendSequence := range sendSequences {
		sendSequence.Close()
	}
	for _, receiveSequence := range receiveSequences {
		receiveSequence.Close()
	}
	self.receiveCallbacks.Clear()
	self.errorCallbacks.Clear()
}

func (self *ActivitySequencer) release(sourceId Id, activity Activity) {
	self.metrics.activityReceived(activity)
	for _, receiveCallback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			receiveCallback(sourceId, activity)
		})
	}
}

func (self *ActivitySequencer) fail(peerId Id, err error) {
	if self.ctx.Err() != nil {
		// closed
		return
	}
	glog.Infof("[sequencer]%s failed: %s\n", peerId, err)
	for _, errorCallback := range self.errorCallbacks.Get() {
		HandleError(func() {
			errorCallback(peerId, err)
		})
	}
}

// rough wire size, used for the batch byte limit
func activityByteCount(activity Activity) ByteCount {
	byteCount := ByteCount(64)
	switch v := activity.(type) {
	case TextEditActivity:
		byteCount += operationByteCount(v.Operation)
	case FileActivity:
		byteCount += ByteCount(len(v.Content))
	case ProgressActivity:
		byteCount += ByteCount(len(v.Message))
	}
	return byteCount
}

func operationByteCount(op Operation) ByteCount {
	switch v := op.(type) {
	case Insert:
		return ByteCount(len(v.Text))
	case Delete:
		return ByteCount(len(v.Text))
	case Split:
		return operationByteCount(v.First) + operationByteCount(v.Second)
	default:
		return 0
	}
}

type sendSequence struct {
	ctx    context.Context
	cancel context.CancelFunc

	sequencer     *ActivitySequencer
	destinationId Id

	stateLock          sync.Mutex
	nextSequenceNumber uint64
	pending            []*SequencedActivity
	pendingByteCount   ByteCount
	// the time the oldest pending activity was queued
	windowStartTime time.Time
	urgent          bool
	err             error

	monitor *Monitor
}

func newSendSequence(sequencer *ActivitySequencer, destinationId Id) *sendSequence {
	cancelCtx, cancel := context.WithCancel(sequencer.ctx)
	return &sendSequence{
		ctx:                cancelCtx,
		cancel:             cancel,
		sequencer:          sequencer,
		destinationId:      destinationId,
		nextSequenceNumber: 1,
		pending:            []*SequencedActivity{},
		monitor:            NewMonitor(),
	}
}

func (self *sendSequence) enqueue(activity Activity) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.err != nil {
		return self.err
	}
	if self.ctx.Err() != nil {
		return ErrSessionClosed
	}

	if len(self.pending) == 0 {
		self.windowStartTime = time.Now()
	}
	self.pending = append(self.pending, &SequencedActivity{
		SequenceNumber: self.nextSequenceNumber,
		Activity:       activity,
	})
	self.nextSequenceNumber += 1
	self.pendingByteCount += activityByteCount(activity)
	if IsLatencySensitive(activity) {
		self.urgent = true
	}
	self.monitor.NotifyAll()
	return nil
}

// returns the next batch to send, or how long to wait for one.
// A negative wait means wait for a notification.
func (self *sendSequence) nextBatch() ([]*SequencedActivity, time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.pending) == 0 {
		return nil, -1
	}

	settings := self.sequencer.settings
	full := settings.MaxBatchActivityCount <= len(self.pending) || settings.MaxBatchByteCount <= self.pendingByteCount
	elapsed := time.Since(self.windowStartTime)
	if !self.urgent && !full && elapsed < settings.FlushInterval {
		return nil, settings.FlushInterval - elapsed
	}

	n := min(len(self.pending), settings.MaxBatchActivityCount)
	batch := self.pending[:n]
	self.pending = self.pending[n:]
	self.pendingByteCount = 0
	for _, sequencedActivity := range self.pending {
		self.pendingByteCount += activityByteCount(sequencedActivity.Activity)
	}
	if len(self.pending) == 0 {
		self.urgent = false
	} else {
		// the remainder was held back by the count limit only
		self.windowStartTime = time.Now()
	}
	return batch, 0
}

func (self *sendSequence) Run() {
	defer self.cancel()

	for {
		notify := self.monitor.NotifyChannel()
		batch, wait := self.nextBatch()

		if batch != nil {
			if err := self.send(batch); err != nil {
				if self.ctx.Err() != nil {
					return
				}
				self.stateLock.Lock()
				self.err = err
				self.pending = nil
				self.stateLock.Unlock()
				self.sequencer.metrics.sendFailure()
				self.sequencer.fail(self.destinationId, err)
				return
			}
			continue
		}

		if wait < 0 {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			}
		} else {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			case <-time.After(wait):
			}
		}
	}
}

func (self *sendSequence) send(batch []*SequencedActivity) error {
	frameBytes, err := ToActivityBatchFrame(self.sequencer.localId, self.destinationId, batch)
	if err != nil {
		return err
	}

	settings := self.sequencer.settings
	for attempt := 0; ; attempt += 1 {
		err = func() error {
			sendCtx, sendCancel := context.WithTimeout(self.ctx, settings.SendTimeout)
			defer sendCancel()
			return self.sequencer.transport.Send(sendCtx, self.destinationId, frameBytes)
		}()
		if err == nil {
			glog.V(2).Infof("[sequencer]sent %d activities [%d,%d] to %s\n", len(batch), batch[0].SequenceNumber, batch[len(batch)-1].SequenceNumber, self.destinationId)
			self.sequencer.metrics.batchSent(batch)
			return nil
		}
		if self.ctx.Err() != nil {
			return err
		}
		if settings.SendRetryCount <= attempt {
			return fmt.Errorf("%w: %s after %d attempts: %s", ErrSendFailed, self.destinationId, attempt+1, err)
		}

		glog.Infof("[sequencer]send to %s failed (%d), retrying: %s\n", self.destinationId, attempt+1, err)
		self.sequencer.metrics.sendRetry()
		select {
		case <-self.ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * settings.SendRetryInterval):
		}
	}
}

func (self *sendSequence) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pending = nil
	self.pendingByteCount = 0
}

type receiveItem struct {
	transferItem

	activity Activity
}

type receiveSequence struct {
	sequencer *ActivitySequencer
	sourceId  Id

	// held while releasing, so per peer release order matches sequence order
	// even when frames arrive on more than one goroutine
	releaseLock sync.Mutex

	stateLock          sync.Mutex
	nextSequenceNumber uint64
	queue              *transferQueue[*receiveItem]
	gapTimer           *time.Timer
	// the expected sequence number when the gap timer started
	gapSequenceNumber uint64
	closed            bool
}

func newReceiveSequence(sequencer *ActivitySequencer, sourceId Id) *receiveSequence {
	return &receiveSequence{
		sequencer:          sequencer,
		sourceId:           sourceId,
		nextSequenceNumber: 1,
		queue:              newTransferQueue[*receiveItem](),
	}
}

func (self *receiveSequence) receive(sequencedActivities []*SequencedActivity) {
	self.releaseLock.Lock()
	defer self.releaseLock.Unlock()

	for _, activity := range self.order(sequencedActivities) {
		self.sequencer.release(self.sourceId, activity)
	}
}

// queues the activities and returns the ones now in order
func (self *receiveSequence) order(sequencedActivities []*SequencedActivity) []Activity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}

	metrics := self.sequencer.metrics
	for _, sequencedActivity := range sequencedActivities {
		if sequencedActivity.SequenceNumber < self.nextSequenceNumber {
			glog.V(1).Infof("[sequencer]drop duplicate %d from %s\n", sequencedActivity.SequenceNumber, self.sourceId)
			metrics.activityDropped("duplicate")
			continue
		}
		item := &receiveItem{
			transferItem: transferItem{
				sequenceNumber: sequencedActivity.SequenceNumber,
				byteCount:      activityByteCount(sequencedActivity.Activity),
			},
			activity: sequencedActivity.Activity,
		}
		if !self.queue.Add(item) {
			glog.V(1).Infof("[sequencer]drop duplicate %d from %s\n", sequencedActivity.SequenceNumber, self.sourceId)
			metrics.activityDropped("duplicate")
		}
	}

	released := []Activity{}
	for {
		item := self.queue.PeekFirst()
		if item == nil || item.sequenceNumber != self.nextSequenceNumber {
			break
		}
		self.queue.RemoveFirst()
		released = append(released, item.activity)
		self.nextSequenceNumber += 1
	}

	self.updateGapTimer()
	return released
}

// must be called with the state lock
func (self *receiveSequence) updateGapTimer() {
	if queueSize, _ := self.queue.QueueSize(); queueSize == 0 {
		if self.gapTimer != nil {
			self.gapTimer.Stop()
			self.gapTimer = nil
		}
		return
	}
	if self.gapTimer != nil && self.gapSequenceNumber == self.nextSequenceNumber {
		// the same gap is still open
		return
	}
	if self.gapTimer != nil {
		self.gapTimer.Stop()
	}
	self.gapSequenceNumber = self.nextSequenceNumber
	glog.V(1).Infof("[sequencer]gap at %d from %s\n", self.nextSequenceNumber, self.sourceId)
	gapSequenceNumber := self.gapSequenceNumber
	self.gapTimer = time.AfterFunc(self.sequencer.settings.GapTimeout, func() {
		self.gapTimeout(gapSequenceNumber)
	})
}

func (self *receiveSequence) gapTimeout(gapSequenceNumber uint64) {
	self.stateLock.Lock()
	if self.closed || self.nextSequenceNumber != gapSequenceNumber {
		self.stateLock.Unlock()
		return
	}
	queueSize, _ := self.queue.QueueSize()
	self.closed = true
	self.gapTimer = nil
	self.queue.Clear()
	self.stateLock.Unlock()

	self.sequencer.metrics.sequenceGap()
	self.sequencer.fail(self.sourceId, fmt.Errorf("%w: %s missing %d with %d queued", ErrSequenceGap, self.sourceId, gapSequenceNumber, queueSize))
}

func (self *receiveSequence) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	if self.gapTimer != nil {
		self.gapTimer.Stop()
		self.gapTimer = nil
	}
	self.queue.Clear()
}
