package coedit

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type receivedFrame struct {
	sourceId   Id
	frameBytes []byte
}

func TestMemoryNetwork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetworkWithDefaults(ctx)
	defer network.Close()

	aId := NewId()
	bId := NewId()
	a := network.Transport(aId)
	assert.Equal(t, network.Transport(aId), a)
	assert.Equal(t, a.LocalId(), aId)

	err := a.Send(ctx, bId, ToPingFrame(1))
	assert.Equal(t, err != nil, true)

	b := network.Transport(bId)
	frames := make(chan *receivedFrame, 16)
	b.AddReceiveCallback(func(sourceId Id, frameBytes []byte) {
		frames <- &receivedFrame{sourceId: sourceId, frameBytes: frameBytes}
	})

	for i := range 10 {
		assert.Equal(t, a.Send(ctx, bId, ToPingFrame(uint64(i))), nil)
	}
	for i := range 10 {
		select {
		case frame := <-frames:
			assert.Equal(t, frame.sourceId, aId)
			assert.Equal(t, frame.frameBytes, ToPingFrame(uint64(i)))
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout.")
		}
	}

	network.Disconnect(bId)
	err = a.Send(ctx, bId, ToPingFrame(1))
	assert.Equal(t, err != nil, true)
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWsTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionId := NewId()
	hostId := NewId()
	clientId := NewId()

	host := NewWsTransportWithDefaults(ctx, hostId, sessionId)
	defer host.Close()
	server := httptest.NewServer(host)
	defer server.Close()

	hostConnected := make(chan Id, 1)
	host.AddConnectCallback(func(peerId Id) {
		hostConnected <- peerId
	})
	hostDisconnected := make(chan Id, 1)
	host.AddDisconnectCallback(func(peerId Id) {
		hostDisconnected <- peerId
	})
	hostFrames := make(chan *receivedFrame, 16)
	host.AddReceiveCallback(func(sourceId Id, frameBytes []byte) {
		hostFrames <- &receivedFrame{sourceId: sourceId, frameBytes: frameBytes}
	})

	client := NewWsTransportWithDefaults(ctx, clientId, sessionId)
	clientConnected := make(chan Id, 1)
	client.AddConnectCallback(func(peerId Id) {
		clientConnected <- peerId
	})
	clientFrames := make(chan *receivedFrame, 16)
	client.AddReceiveCallback(func(sourceId Id, frameBytes []byte) {
		clientFrames <- &receivedFrame{sourceId: sourceId, frameBytes: frameBytes}
	})

	peerId, err := client.Dial(ctx, wsUrl(server))
	assert.Equal(t, err, nil)
	assert.Equal(t, peerId, hostId)

	for _, connected := range []chan Id{hostConnected, clientConnected} {
		select {
		case <-connected:
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for connect.")
		}
	}

	ref := ResourceRef{ProjectId: "p", Path: "doc.txt"}
	frameBytes, err := ToActivityBatchFrame(clientId, hostId, sequencedSelections(clientId, ref, 1))
	assert.Equal(t, err, nil)
	assert.Equal(t, client.Send(ctx, hostId, frameBytes), nil)
	select {
	case frame := <-hostFrames:
		assert.Equal(t, frame.sourceId, clientId)
		assert.Equal(t, frame.frameBytes, frameBytes)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for client frame.")
	}

	frameBytes, err = ToActivityBatchFrame(hostId, clientId, sequencedSelections(hostId, ref, 1))
	assert.Equal(t, err, nil)
	assert.Equal(t, host.Send(ctx, clientId, frameBytes), nil)
	select {
	case frame := <-clientFrames:
		assert.Equal(t, frame.sourceId, hostId)
		assert.Equal(t, frame.frameBytes, frameBytes)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for host frame.")
	}

	assert.Equal(t, host.Send(ctx, NewId(), frameBytes) != nil, true)

	client.Close()
	select {
	case peerId := <-hostDisconnected:
		assert.Equal(t, peerId, clientId)
	case <-time.After(20 * time.Second):
		t.Fatal("Timeout waiting for disconnect.")
	}
}

func TestWsTransportSessionMismatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := NewWsTransportWithDefaults(ctx, NewId(), NewId())
	defer host.Close()
	server := httptest.NewServer(host)
	defer server.Close()

	client := NewWsTransportWithDefaults(ctx, NewId(), NewId())
	defer client.Close()
	_, err := client.Dial(ctx, wsUrl(server))
	assert.Equal(t, err != nil, true)
}
