package coedit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"github.com/bringyour/coedit/protocol"
)

type PeerFunction func(peerId Id)

type WsTransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// an idle connection sends a ping frame this often
	PingTimeout         time.Duration
	SendBufferSize      int
	MaxMessageByteCount ByteCount
}

func DefaultWsTransportSettings() *WsTransportSettings {
	pingTimeout := 1 * time.Second
	return &WsTransportSettings{
		HandshakeTimeout:    2 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
		PingTimeout:         pingTimeout,
		SendBufferSize:      32,
		MaxMessageByteCount: mib(33),
	}
}

type wsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc
	peerId Id
	send   chan []byte
}

// WsTransport carries frames over one websocket connection per peer.
// The host accepts connections with `ServeHTTP`; clients `Dial` the host.
// Both sides exchange a Hello frame naming the user and the session.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	localId   Id
	sessionId Id
	settings  *WsTransportSettings
	upgrader  websocket.Upgrader

	stateLock   sync.Mutex
	connections map[Id]*wsConnection

	receiveCallbacks    *CallbackList[ReceiveFrameFunction]
	connectCallbacks    *CallbackList[PeerFunction]
	disconnectCallbacks *CallbackList[PeerFunction]
}

func NewWsTransportWithDefaults(ctx context.Context, localId Id, sessionId Id) *WsTransport {
	return NewWsTransport(ctx, localId, sessionId, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, localId Id, sessionId Id, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:       cancelCtx,
		cancel:    cancel,
		localId:   localId,
		sessionId: sessionId,
		settings:  settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		connections:         map[Id]*wsConnection{},
		receiveCallbacks:    NewCallbackList[ReceiveFrameFunction](),
		connectCallbacks:    NewCallbackList[PeerFunction](),
		disconnectCallbacks: NewCallbackList[PeerFunction](),
	}
}

// returns a function that removes the callback
func (self *WsTransport) AddReceiveCallback(receiveCallback ReceiveFrameFunction) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

// returns a function that removes the callback
func (self *WsTransport) AddConnectCallback(connectCallback PeerFunction) func() {
	return self.connectCallbacks.Add(connectCallback)
}

// returns a function that removes the callback
func (self *WsTransport) AddDisconnectCallback(disconnectCallback PeerFunction) func() {
	return self.disconnectCallbacks.Add(disconnectCallback)
}

// Transport implementation
func (self *WsTransport) Send(ctx context.Context, destinationId Id, frameBytes []byte) error {
	self.stateLock.Lock()
	connection, ok := self.connections[destinationId]
	self.stateLock.Unlock()
	if !ok {
		return fmt.Errorf("No connection to %s.", destinationId)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-connection.ctx.Done():
		return fmt.Errorf("Connection to %s closed.", destinationId)
	case connection.send <- frameBytes:
		return nil
	}
}

// ServeHTTP accepts a peer connection. It returns when the connection closes.
func (self *WsTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	peerId, err := self.handshake(ws)
	if err != nil {
		glog.Infof("[ws]handshake error = %s\n", err)
		return
	}
	self.run(ws, peerId)
}

// Dial connects to the host and returns the host id. The connection runs
// until the transport or the connection closes.
func (self *WsTransport) Dial(ctx context.Context, url string) (Id, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return Id{}, err
	}

	peerId, err := self.handshake(ws)
	if err != nil {
		ws.Close()
		return Id{}, err
	}
	go HandleError(func() {
		defer ws.Close()
		self.run(ws, peerId)
	})
	return peerId, nil
}

func (self *WsTransport) handshake(ws *websocket.Conn) (Id, error) {
	ws.SetWriteDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, ToHelloFrame(self.localId, self.sessionId)); err != nil {
		return Id{}, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return Id{}, err
	}
	if messageType != websocket.BinaryMessage {
		return Id{}, errors.New("Hello must be binary.")
	}
	peerId, sessionId, err := FromHelloFrame(message)
	if err != nil {
		return Id{}, err
	}
	if sessionId != self.sessionId {
		return Id{}, fmt.Errorf("Peer %s is in session %s, expected %s.", peerId, sessionId, self.sessionId)
	}
	if peerId == self.localId {
		return Id{}, errors.New("Peer has the local id.")
	}
	return peerId, nil
}

func (self *WsTransport) run(ws *websocket.Conn, peerId Id) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	connection := &wsConnection{
		ctx:    handleCtx,
		cancel: handleCancel,
		peerId: peerId,
		send:   make(chan []byte, self.settings.SendBufferSize),
	}

	self.stateLock.Lock()
	if previous, ok := self.connections[peerId]; ok {
		// the newest connection wins
		previous.cancel()
	}
	self.connections[peerId] = connection
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		if self.connections[peerId] == connection {
			delete(self.connections, peerId)
		}
		self.stateLock.Unlock()

		for _, disconnectCallback := range self.disconnectCallbacks.Get() {
			HandleError(func() {
				disconnectCallback(peerId)
			})
		}
	}()

	for _, connectCallback := range self.connectCallbacks.Get() {
		HandleError(func() {
			connectCallback(peerId)
		})
	}

	ws.SetReadLimit(self.settings.MaxMessageByteCount)

	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-connection.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", peerId, err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", peerId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, ToPingFrame(uint64(time.Now().UnixMilli()))); err != nil {
					return
				}
			}
		}
	})

	go HandleError(func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[ws]%s<- error = %s\n", peerId, err)
				return
			}
			if messageType != websocket.BinaryMessage {
				glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, peerId)
				continue
			}

			frame, err := protocol.UnmarshalFrame(message)
			if err != nil {
				glog.Infof("[ws]%s<- bad frame = %s\n", peerId, err)
				return
			}
			switch frame.GetMessageType() {
			case protocol.MessageType_Ping:
				glog.V(2).Infof("[ws]ping %s<-\n", peerId)
			case protocol.MessageType_ActivityBatch:
				glog.V(2).Infof("[ws]%s<-\n", peerId)
				for _, receiveCallback := range self.receiveCallbacks.Get() {
					HandleError(func() {
						receiveCallback(peerId, message)
					})
				}
			default:
				glog.V(1).Infof("[ws]%s<- unexpected %s\n", peerId, frame.GetMessageType())
			}
		}
	})

	select {
	case <-handleCtx.Done():
	}
}

func (self *WsTransport) Close() {
	self.cancel()
}
