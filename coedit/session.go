package coedit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type ActivityFunction func(activity Activity)

// the document was dropped and waits for `ResetDocument`
type ResyncFunction func(ref ResourceRef, err error)

// err is nil for a normal close
type CloseFunction func(err error)

type sessionDocument struct {
	ref      ResourceRef
	resource Resource
	// host: one per client. client: one toward the host
	jupiters map[Id]*Jupiter
}

// Session is one participant of a star topology session.
// The host keeps the authoritative replica and one Jupiter per (document,
// client). Each client keeps one Jupiter per document toward the host.
// Client edits are transformed and applied by the host, then regenerated for
// every other client. Other activities are relayed by the host.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	localId  Id
	hostId   Id
	settings *SessionSettings

	workspace Workspace
	mapper    *SharedResourceMapper
	queuer    *ActivityQueuer
	sequencer *ActivitySequencer
	metrics   *SequencerMetrics

	// serializes all document state and dispatch
	stateLock       sync.Mutex
	closed          bool
	peers           map[Id]bool
	permissions     map[Id]Permission
	documents       map[ResourceRef]*sessionDocument
	failedDocuments map[ResourceRef]error

	activityCallbacks *CallbackList[ActivityFunction]
	resyncCallbacks   *CallbackList[ResyncFunction]
	closeCallbacks    *CallbackList[CloseFunction]
}

func NewHostSessionWithDefaults(ctx context.Context, localId Id, transport Transport, workspace Workspace) *Session {
	return NewSession(ctx, localId, localId, transport, workspace, DefaultSessionSettings(), nil)
}

func NewClientSessionWithDefaults(ctx context.Context, localId Id, hostId Id, transport Transport, workspace Workspace) *Session {
	return NewSession(ctx, localId, hostId, transport, workspace, DefaultSessionSettings(), nil)
}

// The session is the host iff `localId == hostId`. `metrics` may be nil.
func NewSession(
	ctx context.Context,
	localId Id,
	hostId Id,
	transport Transport,
	workspace Workspace,
	settings *SessionSettings,
	metrics *SequencerMetrics,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:               cancelCtx,
		cancel:            cancel,
		localId:           localId,
		hostId:            hostId,
		settings:          settings,
		workspace:         workspace,
		mapper:            NewSharedResourceMapper(),
		queuer:            NewActivityQueuer(),
		sequencer:         NewActivitySequencer(cancelCtx, localId, transport, &settings.SequencerSettings, metrics),
		metrics:           metrics,
		peers:             map[Id]bool{},
		permissions:       map[Id]Permission{},
		documents:         map[ResourceRef]*sessionDocument{},
		failedDocuments:   map[ResourceRef]error{},
		activityCallbacks: NewCallbackList[ActivityFunction](),
		resyncCallbacks:   NewCallbackList[ResyncFunction](),
		closeCallbacks:    NewCallbackList[CloseFunction](),
	}
	if !session.IsHost() {
		session.peers[hostId] = true
	}
	session.sequencer.AddReceiveCallback(session.receiveActivity)
	session.sequencer.AddErrorCallback(session.peerFailed)
	return session
}

// sequencer error callback. A failed client is dropped from the host; a
// failed host ends a client session.
func (self *Session) peerFailed(peerId Id, err error) {
	if self.IsHost() {
		glog.Infof("[session]%s drop failed peer %s: %s\n", self.localId, peerId, err)
		self.RemovePeer(peerId)
		return
	}
	self.closeWithError(err)
}

func (self *Session) LocalId() Id {
	return self.localId
}

func (self *Session) HostId() Id {
	return self.hostId
}

func (self *Session) IsHost() bool {
	return self.localId == self.hostId
}

func (self *Session) Mapper() *SharedResourceMapper {
	return self.mapper
}

func (self *Session) Workspace() Workspace {
	return self.workspace
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// returns a function that removes the callback
func (self *Session) AddActivityCallback(activityCallback ActivityFunction) func() {
	return self.activityCallbacks.Add(activityCallback)
}

// returns a function that removes the callback
func (self *Session) AddResyncCallback(resyncCallback ResyncFunction) func() {
	return self.resyncCallbacks.Add(resyncCallback)
}

// returns a function that removes the callback
func (self *Session) AddCloseCallback(closeCallback CloseFunction) func() {
	return self.closeCallbacks.Add(closeCallback)
}

// AddPeer adds a client to a host session. A client session only has the host.
func (self *Session) AddPeer(peerId Id) error {
	if peerId.IsBroadcast() || peerId == self.localId {
		return fmt.Errorf("%w: peer %s", ErrInvalidArgument, peerId)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrSessionClosed
	}
	if !self.IsHost() {
		if peerId == self.hostId {
			return nil
		}
		return fmt.Errorf("%w: a client only peers with the host", ErrIllegalState)
	}
	self.addPeer(peerId)
	return nil
}

// must be called with the state lock
func (self *Session) addPeer(peerId Id) {
	if self.peers[peerId] {
		return
	}
	self.peers[peerId] = true
	if _, ok := self.permissions[peerId]; !ok {
		self.permissions[peerId] = PermissionWrite
	}
	glog.Infof("[session]%s add peer %s\n", self.localId, peerId)
}

// InvitePeer adds a client to a host session and sends it the current content
// of `resources` as created files. The snapshot is taken under the same lock
// that adds the peer, so every later edit for the peer applies on top of it.
func (self *Session) InvitePeer(peerId Id, resources ...Resource) error {
	if peerId.IsBroadcast() || peerId == self.localId {
		return fmt.Errorf("%w: peer %s", ErrInvalidArgument, peerId)
	}
	if !self.IsHost() {
		return fmt.Errorf("%w: only the host invites", ErrIllegalState)
	}
	refs := make([]ResourceRef, 0, len(resources))
	for _, resource := range resources {
		if !self.mapper.IsShared(resource) {
			return fmt.Errorf("%w: %v", ErrNotShared, resource)
		}
		ref, err := self.mapper.ResourceRef(resource)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrSessionClosed
	}
	if self.peers[peerId] {
		return fmt.Errorf("%w: %s is already a peer", ErrIllegalState, peerId)
	}
	activities := []Activity{}
	for i, resource := range resources {
		text, err := self.workspace.Text(resource)
		if err != nil {
			return err
		}
		activities = append(activities, FileActivity{
			ActivityHeader: ActivityHeader{
				SourceId: self.localId,
				TargetId: peerId,
			},
			ResourceHeader: ResourceHeader{
				Ref: refs[i],
			},
			Type:    FileCreated,
			Content: []byte(text),
		})
	}
	self.addPeer(peerId)
	self.dispatch(activities)
	return nil
}

// RemovePeer drops a client and its document state. Removing the host from a
// client closes the session.
func (self *Session) RemovePeer(peerId Id) {
	if !self.IsHost() {
		if peerId == self.hostId {
			self.closeWithError(fmt.Errorf("%w: host left", ErrSessionClosed))
		}
		return
	}

	self.stateLock.Lock()
	if self.closed || !self.peers[peerId] {
		self.stateLock.Unlock()
		return
	}
	delete(self.peers, peerId)
	delete(self.permissions, peerId)
	for _, document := range self.documents {
		delete(document.jupiters, peerId)
	}
	self.stateLock.Unlock()

	self.sequencer.RemovePeer(peerId)
	glog.Infof("[session]%s remove peer %s\n", self.localId, peerId)
}

// Peers returns the connected peers, sorted.
func (self *Session) Peers() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	peerIds := maps.Keys(self.peers)
	sort.Slice(peerIds, func(i int, j int) bool {
		return peerIds[i].LessThan(peerIds[j])
	})
	return peerIds
}

func (self *Session) Permission(userId Id) Permission {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if permission, ok := self.permissions[userId]; ok {
		return permission
	}
	return PermissionWrite
}

// LocalTextEdit applies `op` to the local replica of `resource` and sends it.
func (self *Session) LocalTextEdit(resource Resource, op Operation) error {
	if op == nil {
		return fmt.Errorf("%w: operation is nil", ErrInvalidArgument)
	}
	if self.ctx.Err() != nil {
		return ErrSessionClosed
	}
	if !self.mapper.IsShared(resource) {
		return fmt.Errorf("%w: %v", ErrNotShared, resource)
	}
	ref, err := self.mapper.ResourceRef(resource)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrSessionClosed
	}
	if err, ok := self.failedDocuments[ref]; ok {
		return fmt.Errorf("%w: %s: %s", ErrDocumentFailed, ref, err)
	}
	if self.settings.EnforcePermissions && self.permissions[self.localId] == PermissionReadOnly {
		return fmt.Errorf("%w: %s is read only", ErrIllegalState, self.localId)
	}

	text, err := self.workspace.Text(resource)
	if err != nil {
		return err
	}
	nextText, err := op.Apply(text)
	if err != nil {
		return err
	}
	if err := self.workspace.SetText(resource, nextText); err != nil {
		return err
	}

	document := self.openDocument(ref, resource)
	activities := []Activity{}
	for _, peerId := range self.documentPeers() {
		generatedOp, vectorTime := document.jupiter(self.localId, peerId).Generate(op)
		activity := NewTextEditActivity(self.localId, ref, generatedOp, vectorTime)
		activity.TargetId = peerId
		activities = append(activities, activity)
	}
	self.dispatch(activities)
	return nil
}

// LocalActivity sends a non edit activity from the local user.
func (self *Session) LocalActivity(activity Activity) error {
	if activity == nil {
		return fmt.Errorf("%w: activity is nil", ErrInvalidArgument)
	}
	if self.ctx.Err() != nil {
		return ErrSessionClosed
	}
	switch v := activity.(type) {
	case TextEditActivity:
		return fmt.Errorf("%w: text edits must use LocalTextEdit", ErrInvalidArgument)
	case PermissionActivity:
		if !self.IsHost() {
			return fmt.Errorf("%w: only the host changes permissions", ErrIllegalState)
		}
		if v.Permission != PermissionReadOnly && v.Permission != PermissionWrite {
			return fmt.Errorf("%w: permission %s", ErrInvalidArgument, v.Permission)
		}
	}
	if ref, ok := ActivityResource(activity); ok {
		if err := self.requireShared(ref); err != nil {
			return err
		}
	}
	activity = WithSource(activity, self.localId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrSessionClosed
	}
	switch v := activity.(type) {
	case PermissionActivity:
		self.permissions[v.UserId] = v.Permission
	case FileActivity:
		self.dropDocument(v.Ref)
		if v.Type == FileMoved {
			self.dropDocument(v.OldResource)
		}
	case FolderActivity:
		if v.Type == FolderRemoved {
			self.dropDocumentsUnder(v.Ref)
		}
	}
	self.dispatch([]Activity{activity})
	return nil
}

// Receive passes a frame from a peer's transport into the session.
func (self *Session) Receive(sourceId Id, frameBytes []byte) error {
	return self.sequencer.Receive(sourceId, frameBytes)
}

// BeginProjectNegotiation holds back outgoing activities for the project
// until `EndProjectNegotiation`.
func (self *Session) BeginProjectNegotiation(projectId string) {
	self.queuer.EnableQueuing(projectId)
}

func (self *Session) EndProjectNegotiation(projectId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	released := self.queuer.DisableQueuing(projectId)
	if self.closed {
		return
	}
	self.dispatch(released)
}

// BroadcastChecksums sends the host checksum of every open document to every
// client. A client compares it when its vector time is in sync with the host.
// A client session sends nothing.
func (self *Session) BroadcastChecksums() error {
	if !self.IsHost() {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrSessionClosed
	}

	activities := []Activity{}
	for ref, document := range self.documents {
		text, err := self.workspace.Text(document.resource)
		if err != nil {
			glog.Infof("[session]checksum %s: %s\n", ref, err)
			continue
		}
		checksum := NewDocumentChecksum(text)
		for _, peerId := range self.documentPeers() {
			vectorTime := document.jupiter(self.localId, peerId).VectorTime()
			activity := NewChecksumActivity(self.localId, ref, checksum, vectorTime)
			activity.TargetId = peerId
			activities = append(activities, activity)
		}
	}
	for ref := range self.failedDocuments {
		activities = append(activities, self.missingChecksums(ref)...)
	}
	self.dispatch(activities)
	return nil
}

// RunChecksums broadcasts checksums every `ChecksumInterval` until the
// context or the session is done.
func (self *Session) RunChecksums(ctx context.Context) {
	ticker := time.NewTicker(self.settings.ChecksumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			var err error
			Trace(fmt.Sprintf("[session]%s checksums", self.localId), func() {
				err = self.BroadcastChecksums()
			})
			if err != nil {
				return
			}
		}
	}
}

// ResetDocument replaces the local replica and restarts its vector times.
// Both sides of a document must reset to the same text before editing resumes.
func (self *Session) ResetDocument(ref ResourceRef, text string) error {
	resource, err := self.mapper.Resolve(ref)
	if err != nil {
		return err
	}
	if !self.mapper.IsShared(resource) {
		return fmt.Errorf("%w: %s", ErrNotShared, ref)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrSessionClosed
	}
	if err := self.workspace.SetText(resource, text); err != nil {
		return err
	}
	delete(self.failedDocuments, ref)
	delete(self.documents, ref)
	self.openDocument(ref, resource)
	glog.Infof("[session]%s reset %s\n", self.localId, ref)
	return nil
}

// IsDocumentFailed is true while a document waits for `ResetDocument`.
func (self *Session) IsDocumentFailed(ref ResourceRef) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.failedDocuments[ref]
	return ok
}

// DocumentVectorTimes returns the vector time toward each peer of an open document.
func (self *Session) DocumentVectorTimes(ref ResourceRef) map[Id]JupiterVectorTime {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	vectorTimes := map[Id]JupiterVectorTime{}
	document, ok := self.documents[ref]
	if !ok {
		return vectorTimes
	}
	for peerId, jupiter := range document.jupiters {
		vectorTimes[peerId] = jupiter.VectorTime()
	}
	return vectorTimes
}

// Close ends the session. All document state, shared resources and queues are
// dropped together.
func (self *Session) Close() {
	self.closeWithError(nil)
}

func (self *Session) closeWithError(err error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	self.documents = map[ResourceRef]*sessionDocument{}
	self.failedDocuments = map[ResourceRef]error{}
	self.peers = map[Id]bool{}
	self.mapper.Clear()
	self.queuer.Clear()
	self.cancel()
	self.stateLock.Unlock()

	self.sequencer.Close()

	if err != nil {
		glog.Infof("[session]%s closed: %s\n", self.localId, err)
	} else {
		glog.V(1).Infof("[session]%s closed\n", self.localId)
	}
	for _, closeCallback := range self.closeCallbacks.Get() {
		HandleError(func() {
			closeCallback(err)
		})
	}
	self.activityCallbacks.Clear()
	self.resyncCallbacks.Clear()
	self.closeCallbacks.Clear()
}

func (self *Session) requireShared(ref ResourceRef) error {
	resource, err := self.mapper.Resolve(ref)
	if err != nil {
		return err
	}
	if !self.mapper.IsShared(resource) {
		return fmt.Errorf("%w: %s", ErrNotShared, ref)
	}
	return nil
}

// must be called with the state lock
func (self *Session) documentPeers() []Id {
	if self.IsHost() {
		return maps.Keys(self.peers)
	}
	return []Id{self.hostId}
}

// must be called with the state lock
func (self *Session) openDocument(ref ResourceRef, resource Resource) *sessionDocument {
	if document, ok := self.documents[ref]; ok {
		return document
	}
	document := &sessionDocument{
		ref:      ref,
		resource: resource,
		jupiters: map[Id]*Jupiter{},
	}
	self.documents[ref] = document
	return document
}

func (self *sessionDocument) jupiter(localId Id, peerId Id) *Jupiter {
	jupiter, ok := self.jupiters[peerId]
	if !ok {
		jupiter = NewJupiter(localId, peerId)
		self.jupiters[peerId] = jupiter
	}
	return jupiter
}

// must be called with the state lock
func (self *Session) dropDocument(ref ResourceRef) {
	delete(self.documents, ref)
	delete(self.failedDocuments, ref)
}

// must be called with the state lock
func (self *Session) dropDocumentsUnder(folderRef ResourceRef) {
	for ref := range self.documents {
		if isUnder(ref, folderRef) {
			self.dropDocument(ref)
		}
	}
	for ref := range self.failedDocuments {
		if isUnder(ref, folderRef) {
			delete(self.failedDocuments, ref)
		}
	}
}

func isUnder(ref ResourceRef, folderRef ResourceRef) bool {
	if ref.ProjectId != folderRef.ProjectId {
		return false
	}
	if ref.Path == folderRef.Path {
		return true
	}
	for _, ancestorPath := range ancestorPaths(ref.Path) {
		if ancestorPath == folderRef.Path {
			return true
		}
	}
	return false
}

// must be called with the state lock
// returns the resync notification, to run after the state lock is released.
// The host also tells every client to drop the document.
func (self *Session) failDocument(ref ResourceRef, err error) func() {
	delete(self.documents, ref)
	self.failedDocuments[ref] = err
	self.metrics.documentResync()
	glog.Infof("[session]%s document %s needs resync: %s\n", self.localId, ref, err)
	if self.IsHost() {
		self.dispatch(self.missingChecksums(ref))
	}
	return func() {
		for _, resyncCallback := range self.resyncCallbacks.Get() {
			HandleError(func() {
				resyncCallback(ref, err)
			})
		}
	}
}

// must be called with the state lock
func (self *Session) missingChecksums(ref ResourceRef) []Activity {
	activities := []Activity{}
	for _, peerId := range self.documentPeers() {
		activity := NewMissingChecksumActivity(self.localId, ref)
		activity.TargetId = peerId
		activities = append(activities, activity)
	}
	return activities
}

// must be called with the state lock
func (self *Session) destinations(activity Activity) []Id {
	if !self.IsHost() {
		return []Id{self.hostId}
	}
	targetId := activity.Target()
	if targetId.IsBroadcast() {
		destinationIds := []Id{}
		for peerId := range self.peers {
			if peerId != activity.Source() {
				destinationIds = append(destinationIds, peerId)
			}
		}
		return destinationIds
	}
	if self.peers[targetId] {
		return []Id{targetId}
	}
	return nil
}

// must be called with the state lock
func (self *Session) dispatch(activities []Activity) {
	for _, activity := range self.queuer.Process(activities) {
		destinationIds := self.destinations(activity)
		if len(destinationIds) == 0 {
			continue
		}
		if err := self.sequencer.Send(activity, destinationIds...); err != nil {
			glog.Infof("[session]%s send %T failed: %s\n", self.localId, activity, err)
		}
	}
}

func (self *Session) notifyActivity(activity Activity) func() {
	return func() {
		for _, activityCallback := range self.activityCallbacks.Get() {
			HandleError(func() {
				activityCallback(activity)
			})
		}
	}
}

// sequencer receive callback
func (self *Session) receiveActivity(sourceId Id, activity Activity) {
	var notifications []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}
		if !self.peers[sourceId] {
			glog.Infof("[session]%s drop activity from unknown peer %s\n", self.localId, sourceId)
			return
		}
		if !self.IsHost() && activity.Target() != self.localId && !activity.Target().IsBroadcast() {
			glog.V(1).Infof("[session]%s drop activity for %s\n", self.localId, activity.Target())
			return
		}
		notifications = self.handleActivity(sourceId, activity)
	}()

	for _, notification := range notifications {
		notification()
	}
}

// must be called with the state lock
func (self *Session) handleActivity(sourceId Id, activity Activity) []func() {
	var resource Resource
	if ref, ok := ActivityResource(activity); ok {
		var err error
		resource, err = self.mapper.Resolve(ref)
		if err != nil || !self.mapper.IsShared(resource) {
			glog.V(1).Infof("[session]%s drop %T for unshared %s\n", self.localId, activity, ref)
			return nil
		}
	}

	switch v := activity.(type) {
	case TextEditActivity:
		return self.handleTextEdit(sourceId, resource, v)
	case ChecksumActivity:
		if self.IsHost() {
			// the host replica is authoritative
			return nil
		}
		return self.handleChecksum(resource, v)
	case PermissionActivity:
		if self.IsHost() {
			glog.Infof("[session]%s drop permission change from %s\n", self.localId, sourceId)
			return nil
		}
		self.permissions[v.UserId] = v.Permission
	case FileActivity:
		if err := self.applyFileActivity(resource, v); err != nil {
			glog.Infof("[session]%s file activity %s: %s\n", self.localId, v.Ref, err)
			return nil
		}
	case FolderActivity:
		if err := self.applyFolderActivity(resource, v); err != nil {
			glog.Infof("[session]%s folder activity %s: %s\n", self.localId, v.Ref, err)
			return nil
		}
	}

	if self.IsHost() && activity.Target() != self.localId {
		self.dispatch([]Activity{activity})
	}
	if !activity.Target().IsBroadcast() && activity.Target() != self.localId {
		// relayed only
		return nil
	}
	return []func(){self.notifyActivity(activity)}
}

// must be called with the state lock
func (self *Session) handleTextEdit(sourceId Id, resource Resource, activity TextEditActivity) []func() {
	ref := activity.Ref
	if _, ok := self.failedDocuments[ref]; ok {
		glog.V(1).Infof("[session]%s drop edit for failed %s\n", self.localId, ref)
		return nil
	}

	document := self.openDocument(ref, resource)
	op, err := document.jupiter(self.localId, sourceId).Receive(activity.Operation, activity.VectorTime)
	if err != nil {
		return []func(){self.failDocument(ref, err)}
	}
	text, err := self.workspace.Text(resource)
	if err != nil {
		return []func(){self.failDocument(ref, err)}
	}
	nextText, err := op.Apply(text)
	if err != nil {
		return []func(){self.failDocument(ref, err)}
	}
	if err := self.workspace.SetText(resource, nextText); err != nil {
		return []func(){self.failDocument(ref, err)}
	}

	if self.IsHost() {
		relayActivities := []Activity{}
		for peerId := range self.peers {
			if peerId == sourceId {
				continue
			}
			generatedOp, vectorTime := document.jupiter(self.localId, peerId).Generate(op)
			relayActivity := NewTextEditActivity(activity.Source(), ref, generatedOp, vectorTime)
			relayActivity.TargetId = peerId
			relayActivities = append(relayActivities, relayActivity)
		}
		self.dispatch(relayActivities)
	}

	appliedActivity := activity
	appliedActivity.Operation = op
	return []func(){self.notifyActivity(appliedActivity)}
}

// must be called with the state lock
func (self *Session) handleChecksum(resource Resource, activity ChecksumActivity) []func() {
	ref := activity.Ref
	if _, ok := self.failedDocuments[ref]; ok {
		return nil
	}
	if !activity.Exists {
		// the host dropped its replica, every client resyncs
		return []func(){self.failDocument(ref, fmt.Errorf("%w: failed at the host", ErrDocumentFailed))}
	}
	document, ok := self.documents[ref]
	if !ok {
		document = self.openDocument(ref, resource)
	}
	vectorTime := document.jupiter(self.localId, self.hostId).VectorTime()
	if vectorTime != activity.VectorTime.Peer() {
		// edits in flight, the comparison would be meaningless
		glog.V(2).Infof("[session]%s skip checksum %s at %s, local %s\n", self.localId, ref, activity.VectorTime, vectorTime)
		return nil
	}
	text, err := self.workspace.Text(resource)
	if err != nil {
		return []func(){self.failDocument(ref, err)}
	}
	checksum := NewDocumentChecksum(text)
	if !checksum.Matches(activity.Checksum()) {
		return []func(){self.failDocument(ref, fmt.Errorf("%w: checksum %s, host %s", ErrDocumentFailed, checksum, activity.Checksum()))}
	}
	return nil
}

// must be called with the state lock
func (self *Session) applyFileActivity(resource Resource, activity FileActivity) error {
	switch activity.Type {
	case FileCreated:
		self.dropDocument(activity.Ref)
		return self.workspace.CreateFile(resource, activity.Content)
	case FileRemoved:
		self.dropDocument(activity.Ref)
		return self.workspace.Remove(resource)
	case FileMoved:
		oldResource, err := self.mapper.Resolve(activity.OldResource)
		if err != nil {
			return err
		}
		self.dropDocument(activity.Ref)
		self.dropDocument(activity.OldResource)
		return self.workspace.Move(oldResource, resource)
	default:
		return fmt.Errorf("%w: file activity type %d", ErrInvalidArgument, activity.Type)
	}
}

// must be called with the state lock
func (self *Session) applyFolderActivity(resource Resource, activity FolderActivity) error {
	switch activity.Type {
	case FolderCreated:
		return self.workspace.CreateFolder(resource)
	case FolderRemoved:
		self.dropDocumentsUnder(activity.Ref)
		return self.workspace.Remove(resource)
	default:
		return fmt.Errorf("%w: folder activity type %d", ErrInvalidArgument, activity.Type)
	}
}

// IsSessionClosed reports whether `err` came from a closed session.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}
