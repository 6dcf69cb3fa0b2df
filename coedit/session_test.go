package coedit

import (
	"context"
	"errors"
	"math"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testPeer struct {
	session   *Session
	workspace *MemoryWorkspace
	project   *MemoryProject
	resource  *MemoryResource
}

func (self *testPeer) text() string {
	text, _ := self.workspace.Text(self.resource)
	return text
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.SequencerSettings.FlushInterval = time.Millisecond
	settings.SequencerSettings.GapTimeout = time.Second
	return settings
}

// a host and `clientCount` clients, each sharing project "p" with "doc.txt"
// set to `text`. The clients are added as peers of the host.
func newTestPeers(ctx context.Context, t *testing.T, clientCount int, text string) []*testPeer {
	network := NewMemoryNetworkWithDefaults(ctx)
	t.Cleanup(network.Close)

	hostId := NewId()
	peers := []*testPeer{}
	for i := 0; i <= clientCount; i += 1 {
		localId := hostId
		if 0 < i {
			localId = NewId()
		}
		project := NewMemoryProject("p")
		resource := project.RequireResource("doc.txt")
		workspace := NewMemoryWorkspace()
		workspace.SetText(resource, text)

		transport := network.Transport(localId)
		session := NewSession(ctx, localId, hostId, transport, workspace, testSessionSettings(), nil)
		t.Cleanup(session.Close)
		assert.Equal(t, session.Mapper().AddProject("p", project, false), nil)
		transport.AddReceiveCallback(func(sourceId Id, frameBytes []byte) {
			session.Receive(sourceId, frameBytes)
		})

		peers = append(peers, &testPeer{
			session:   session,
			workspace: workspace,
			project:   project,
			resource:  resource,
		})
	}
	for _, peer := range peers[1:] {
		assert.Equal(t, peers[0].session.AddPeer(peer.session.LocalId()), nil)
	}
	return peers
}

func waitFor(t *testing.T, condition func() bool) {
	endTime := time.Now().Add(10 * time.Second)
	for !condition() {
		if endTime.Before(time.Now()) {
			t.Fatal("Timeout.")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func inSync(peers []*testPeer) bool {
	host := peers[0]
	ref := ResourceRef{ProjectId: "p", Path: "doc.txt"}
	hostText := host.text()
	hostVectorTimes := host.session.DocumentVectorTimes(ref)
	for _, peer := range peers[1:] {
		if peer.text() != hostText {
			return false
		}
		vectorTime := peer.session.DocumentVectorTimes(ref)[host.session.LocalId()]
		if vectorTime != hostVectorTimes[peer.session.LocalId()].Peer() {
			return false
		}
	}
	return true
}

func TestSessionConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 3, "The quick brown fox")

	done := make(chan struct{})
	for i, peer := range peers {
		r := mathrand.New(mathrand.NewSource(int64(i)))
		go func() {
			defer func() {
				done <- struct{}{}
			}()
			for range 100 {
				// a remote edit may land first
				peer.session.LocalTextEdit(peer.resource, randomEdit(r, peer.text()))
				time.Sleep(time.Duration(r.Intn(500)) * time.Microsecond)
			}
		}()
	}
	for range peers {
		<-done
	}

	waitFor(t, func() bool {
		return inSync(peers)
	})
	for _, peer := range peers {
		assert.Equal(t, peer.session.IsDocumentFailed(ResourceRef{ProjectId: "p", Path: "doc.txt"}), false)
	}
}

func TestSessionRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 2, "")
	host := peers[0]
	a := peers[1]
	b := peers[2]

	received := make(chan Activity, 16)
	b.session.AddActivityCallback(func(activity Activity) {
		received <- activity
	})

	assert.Equal(t, a.session.LocalTextEdit(a.resource, Insert{Position: 0, Text: "hello"}), nil)
	waitFor(t, func() bool {
		return inSync(peers)
	})
	assert.Equal(t, host.text(), "hello")

	select {
	case activity := <-received:
		textEdit, ok := activity.(TextEditActivity)
		assert.Equal(t, ok, true)
		// the author is kept through the host
		assert.Equal(t, textEdit.Source(), a.session.LocalId())
		assert.Equal(t, textEdit.Operation, Operation(Insert{Position: 0, Text: "hello"}))
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for relayed edit.")
	}

	// non edit activities are relayed as is
	assert.Equal(t, a.session.LocalActivity(selection(a.session.LocalId(), ResourceRef{ProjectId: "p", Path: "doc.txt"}, 3)), nil)
	select {
	case activity := <-received:
		assert.Equal(t, activity, Activity(selection(a.session.LocalId(), ResourceRef{ProjectId: "p", Path: "doc.txt"}, 3)))
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for relayed selection.")
	}

	assert.Equal(t, host.session.Peers(), sortedIds(a.session.LocalId(), b.session.LocalId()))
}

func sortedIds(ids ...Id) []Id {
	if ids[1].LessThan(ids[0]) {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return ids
}

func TestSessionResync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 1, "abc")
	host := peers[0]
	client := peers[1]
	ref := ResourceRef{ProjectId: "p", Path: "doc.txt"}

	resyncs := make(chan error, 1)
	client.session.AddResyncCallback(func(resyncRef ResourceRef, err error) {
		assert.Equal(t, resyncRef, ref)
		resyncs <- err
	})

	assert.Equal(t, host.session.LocalTextEdit(host.resource, Insert{Position: 3, Text: "d"}), nil)
	waitFor(t, func() bool {
		return inSync(peers)
	})

	// matching checksums change nothing
	assert.Equal(t, host.session.BroadcastChecksums(), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, client.session.IsDocumentFailed(ref), false)

	client.workspace.SetText(client.resource, "abXd")
	assert.Equal(t, host.session.BroadcastChecksums(), nil)

	select {
	case err := <-resyncs:
		assert.Equal(t, errors.Is(err, ErrDocumentFailed), true)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for resync.")
	}
	assert.Equal(t, client.session.IsDocumentFailed(ref), true)
	err := client.session.LocalTextEdit(client.resource, Insert{Position: 0, Text: "x"})
	assert.Equal(t, errors.Is(err, ErrDocumentFailed), true)

	assert.Equal(t, host.session.ResetDocument(ref, host.text()), nil)
	assert.Equal(t, client.session.ResetDocument(ref, host.text()), nil)
	assert.Equal(t, client.session.IsDocumentFailed(ref), false)
	assert.Equal(t, client.text(), "abcd")

	assert.Equal(t, client.session.LocalTextEdit(client.resource, Insert{Position: 0, Text: "x"}), nil)
	waitFor(t, func() bool {
		return host.text() == "xabcd"
	})
}

func TestSessionHostFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 2, "abc")
	host := peers[0]
	a := peers[1]
	b := peers[2]
	ref := ResourceRef{ProjectId: "p", Path: "doc.txt"}

	resyncs := make(chan error, 1)
	b.session.AddResyncCallback(func(resyncRef ResourceRef, err error) {
		assert.Equal(t, resyncRef, ref)
		resyncs <- err
	})

	// the host replica drifts, so the next edit fails there
	host.workspace.SetText(host.resource, "xyz")
	assert.Equal(t, a.session.LocalTextEdit(a.resource, Delete{Position: 0, Text: "a"}), nil)

	waitFor(t, func() bool {
		return a.session.IsDocumentFailed(ref) && b.session.IsDocumentFailed(ref)
	})
	assert.Equal(t, host.session.IsDocumentFailed(ref), true)
	select {
	case err := <-resyncs:
		assert.Equal(t, errors.Is(err, ErrDocumentFailed), true)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for resync.")
	}
	err := a.session.LocalTextEdit(a.resource, Insert{Position: 0, Text: "Q"})
	assert.Equal(t, errors.Is(err, ErrDocumentFailed), true)

	// the host keeps announcing the failure until it resets
	assert.Equal(t, a.session.ResetDocument(ref, "xyz"), nil)
	assert.Equal(t, b.session.ResetDocument(ref, "xyz"), nil)
	assert.Equal(t, a.session.IsDocumentFailed(ref), false)
	assert.Equal(t, host.session.BroadcastChecksums(), nil)
	waitFor(t, func() bool {
		return a.session.IsDocumentFailed(ref) && b.session.IsDocumentFailed(ref)
	})

	assert.Equal(t, host.session.ResetDocument(ref, "xyz"), nil)
	assert.Equal(t, a.session.ResetDocument(ref, "xyz"), nil)
	assert.Equal(t, b.session.ResetDocument(ref, "xyz"), nil)

	assert.Equal(t, a.session.LocalTextEdit(a.resource, Insert{Position: 0, Text: "Q"}), nil)
	waitFor(t, func() bool {
		return b.text() == "Qxyz" && inSync(peers)
	})
	assert.Equal(t, host.text(), "Qxyz")
	for _, peer := range peers {
		assert.Equal(t, peer.session.IsDocumentFailed(ref), false)
	}
}

func TestSessionEditOutOfRange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 1, "hello")
	host := peers[0]
	client := peers[1]
	ref := ResourceRef{ProjectId: "p", Path: "doc.txt"}
	clientId := client.session.LocalId()

	frameBytes, err := ToActivityBatchFrame(clientId, host.session.LocalId(), []*SequencedActivity{
		{
			SequenceNumber: 1,
			Activity:       NewTextEditActivity(clientId, ref, Delete{Position: math.MaxInt, Text: "ab"}, JupiterVectorTime{}),
		},
	})
	assert.Equal(t, err, nil)
	err = host.session.Receive(clientId, frameBytes)
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)

	// nothing was applied or counted
	assert.Equal(t, host.text(), "hello")
	assert.Equal(t, host.session.IsDocumentFailed(ref), false)
	assert.Equal(t, host.session.DocumentVectorTimes(ref)[clientId], JupiterVectorTime{})

	assert.Equal(t, client.session.LocalTextEdit(client.resource, Insert{Position: 5, Text: "!"}), nil)
	waitFor(t, func() bool {
		return host.text() == "hello!" && inSync(peers)
	})
	assert.Equal(t, host.session.IsDocumentFailed(ref), false)
}

func TestSessionPeerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 2, "")
	host := peers[0]
	a := peers[1]
	b := peers[2]
	ref := ResourceRef{ProjectId: "p", Path: "doc.txt"}
	aId := a.session.LocalId()

	// a sequence from a that never fills its gap
	frameBytes, err := ToActivityBatchFrame(aId, host.session.LocalId(), sequencedSelections(aId, ref, 5))
	assert.Equal(t, err, nil)
	assert.Equal(t, host.session.Receive(aId, frameBytes), nil)

	waitFor(t, func() bool {
		return len(host.session.Peers()) == 1
	})
	assert.Equal(t, host.session.Peers(), []Id{b.session.LocalId()})

	// the host and the remaining client carry on
	select {
	case <-host.session.Done():
		t.Fatal("Host closed.")
	default:
	}
	assert.Equal(t, host.session.LocalTextEdit(host.resource, Insert{Position: 0, Text: "ok"}), nil)
	waitFor(t, func() bool {
		return b.text() == "ok"
	})
	assert.Equal(t, a.text(), "")
}

func TestSessionInvite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetworkWithDefaults(ctx)
	defer network.Close()

	hostId := NewId()
	clientId := NewId()

	hostProject := NewMemoryProject("p")
	hostResource := hostProject.RequireResource("doc.txt")
	hostWorkspace := NewMemoryWorkspace()
	hostWorkspace.SetText(hostResource, "hello")
	hostTransport := network.Transport(hostId)
	host := NewSession(ctx, hostId, hostId, hostTransport, hostWorkspace, testSessionSettings(), nil)
	defer host.Close()
	assert.Equal(t, host.Mapper().AddProject("p", hostProject, false), nil)
	hostTransport.AddReceiveCallback(func(sourceId Id, frameBytes []byte) {
		host.Receive(sourceId, frameBytes)
	})

	// the client starts without the document
	clientProject := NewMemoryProject("p")
	clientResource := clientProject.RequireResource("doc.txt")
	clientWorkspace := NewMemoryWorkspace()
	clientTransport := network.Transport(clientId)
	client := NewSession(ctx, clientId, hostId, clientTransport, clientWorkspace, testSessionSettings(), nil)
	defer client.Close()
	assert.Equal(t, client.Mapper().AddProject("p", clientProject, false), nil)
	clientTransport.AddReceiveCallback(func(sourceId Id, frameBytes []byte) {
		client.Receive(sourceId, frameBytes)
	})

	created := make(chan FileActivity, 1)
	client.AddActivityCallback(func(activity Activity) {
		if fileActivity, ok := activity.(FileActivity); ok {
			created <- fileActivity
		}
	})

	err := host.InvitePeer(clientId, NewMemoryProject("q").RequireResource("doc.txt"))
	assert.Equal(t, errors.Is(err, ErrNotShared), true)
	err = client.InvitePeer(NewId(), clientResource)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)

	assert.Equal(t, host.InvitePeer(clientId, hostResource), nil)
	err = host.InvitePeer(clientId, hostResource)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)

	select {
	case fileActivity := <-created:
		assert.Equal(t, fileActivity.Type, FileCreated)
		assert.Equal(t, fileActivity.Ref, ResourceRef{ProjectId: "p", Path: "doc.txt"})
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for invitation.")
	}
	text, err := clientWorkspace.Text(clientResource)
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "hello")

	assert.Equal(t, client.LocalTextEdit(clientResource, Insert{Position: 5, Text: " world"}), nil)
	waitFor(t, func() bool {
		text, _ := hostWorkspace.Text(hostResource)
		return text == "hello world"
	})
}

func TestSessionPermissions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 1, "")
	host := peers[0]
	client := peers[1]
	clientId := client.session.LocalId()

	permissions := make(chan PermissionActivity, 1)
	client.session.AddActivityCallback(func(activity Activity) {
		if permission, ok := activity.(PermissionActivity); ok {
			permissions <- permission
		}
	})

	assert.Equal(t, host.session.Permission(clientId), PermissionWrite)

	permission := PermissionActivity{
		UserId:     clientId,
		Permission: PermissionReadOnly,
	}
	err := client.session.LocalActivity(permission)
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)
	err = host.session.LocalActivity(PermissionActivity{UserId: clientId})
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)

	assert.Equal(t, host.session.LocalActivity(permission), nil)
	assert.Equal(t, host.session.Permission(clientId), PermissionReadOnly)

	select {
	case permission := <-permissions:
		assert.Equal(t, permission.Source(), host.session.LocalId())
		assert.Equal(t, permission.Permission, PermissionReadOnly)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for permission.")
	}
	assert.Equal(t, client.session.Permission(clientId), PermissionReadOnly)

	err = client.session.LocalTextEdit(client.resource, Insert{Position: 0, Text: "x"})
	assert.Equal(t, errors.Is(err, ErrIllegalState), true)

	// read only participants still receive edits
	assert.Equal(t, host.session.LocalTextEdit(host.resource, Insert{Position: 0, Text: "y"}), nil)
	waitFor(t, func() bool {
		return inSync(peers)
	})
	assert.Equal(t, client.text(), "y")
}

func TestSessionNegotiation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 1, "")
	host := peers[0]
	client := peers[1]

	host.session.BeginProjectNegotiation("p")
	assert.Equal(t, host.session.LocalTextEdit(host.resource, Insert{Position: 0, Text: "a"}), nil)
	assert.Equal(t, host.session.LocalTextEdit(host.resource, Insert{Position: 1, Text: "b"}), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, client.text(), "")

	host.session.EndProjectNegotiation("p")
	waitFor(t, func() bool {
		return inSync(peers)
	})
	assert.Equal(t, client.text(), "ab")
}

func TestSessionRejections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 1, "")
	host := peers[0]
	client := peers[1]

	err := host.session.LocalTextEdit(NewMemoryProject("q").RequireResource("doc.txt"), Insert{Text: "a"})
	assert.Equal(t, errors.Is(err, ErrNotShared), true)
	err = host.session.LocalTextEdit(host.resource, nil)
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)
	err = host.session.LocalTextEdit(host.resource, Delete{Position: 0, Text: "a"})
	assert.Equal(t, err != nil, true)

	err = host.session.LocalActivity(NewTextEditActivity(host.session.LocalId(), ResourceRef{ProjectId: "p", Path: "doc.txt"}, NoOp{}, JupiterVectorTime{}))
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)
	err = host.session.LocalActivity(selection(host.session.LocalId(), ResourceRef{ProjectId: "q", Path: "doc.txt"}, 0))
	assert.Equal(t, errors.Is(err, ErrNotShared), true)

	assert.Equal(t, errors.Is(host.session.AddPeer(Id{}), ErrInvalidArgument), true)
	assert.Equal(t, errors.Is(host.session.AddPeer(host.session.LocalId()), ErrInvalidArgument), true)
	assert.Equal(t, errors.Is(client.session.AddPeer(NewId()), ErrIllegalState), true)
	assert.Equal(t, client.session.AddPeer(host.session.LocalId()), nil)
	assert.Equal(t, client.session.IsHost(), false)
	assert.Equal(t, client.session.HostId(), host.session.LocalId())
}

func TestSessionClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := newTestPeers(ctx, t, 1, "")
	host := peers[0]
	client := peers[1]

	hostClosed := make(chan error, 1)
	host.session.AddCloseCallback(func(err error) {
		hostClosed <- err
	})
	clientClosed := make(chan error, 1)
	client.session.AddCloseCallback(func(err error) {
		clientClosed <- err
	})

	host.session.BeginProjectNegotiation("p")
	assert.Equal(t, host.session.LocalTextEdit(host.resource, Insert{Position: 0, Text: "a"}), nil)
	host.session.Close()

	// callbacks run before Close returns
	select {
	case err := <-hostClosed:
		assert.Equal(t, err, nil)
	default:
		t.Fatal("Close callback not called.")
	}
	<-host.session.Done()
	assert.Equal(t, host.session.Mapper().Size(), 0)
	assert.Equal(t, len(host.session.Peers()), 0)
	err := host.session.LocalTextEdit(host.resource, Insert{Position: 0, Text: "b"})
	assert.Equal(t, IsSessionClosed(err), true)
	assert.Equal(t, IsSessionClosed(host.session.BroadcastChecksums()), true)
	assert.Equal(t, IsSessionClosed(host.session.AddPeer(NewId())), true)
	// closing twice is fine
	host.session.Close()

	// the host leaving closes the client
	client.session.RemovePeer(host.session.LocalId())
	select {
	case err := <-clientClosed:
		assert.Equal(t, IsSessionClosed(err), true)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for client close.")
	}
}
