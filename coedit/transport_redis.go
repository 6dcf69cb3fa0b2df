package coedit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/golang/glog"

	"github.com/bringyour/coedit/protocol"
)

type RedisTransportSettings struct {
	ChannelPrefix string
	// the connection is checked this often
	PingTimeout time.Duration
	// announcements are repeated this often so a late host learns about the peer
	AnnounceInterval time.Duration
}

func DefaultRedisTransportSettings() *RedisTransportSettings {
	return &RedisTransportSettings{
		ChannelPrefix:    "coedit",
		PingTimeout:      5 * time.Second,
		AnnounceInterval: 10 * time.Second,
	}
}

// RedisTransport carries frames over redis pub/sub. Each user subscribes to
// its own channel in the session. A published message is the 16 byte source
// id followed by the frame.
//
// Pub/sub does not buffer for absent subscribers, so frames sent before the
// peer subscribes are lost. The sequencer gap timeout covers that case.
type RedisTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    *redis.Client
	localId   Id
	sessionId Id
	settings  *RedisTransportSettings

	receiveCallbacks  *CallbackList[ReceiveFrameFunction]
	announceCallbacks *CallbackList[PeerFunction]
}

func NewRedisTransportWithDefaults(ctx context.Context, client *redis.Client, localId Id, sessionId Id) *RedisTransport {
	return NewRedisTransport(ctx, client, localId, sessionId, DefaultRedisTransportSettings())
}

func NewRedisTransport(
	ctx context.Context,
	client *redis.Client,
	localId Id,
	sessionId Id,
	settings *RedisTransportSettings,
) *RedisTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &RedisTransport{
		ctx:               cancelCtx,
		cancel:            cancel,
		client:            client,
		localId:           localId,
		sessionId:         sessionId,
		settings:          settings,
		receiveCallbacks:  NewCallbackList[ReceiveFrameFunction](),
		announceCallbacks: NewCallbackList[PeerFunction](),
	}
}

func (self *RedisTransport) channel(userId Id) string {
	return fmt.Sprintf("%s:%s:%s", self.settings.ChannelPrefix, self.sessionId, userId)
}

// returns a function that removes the callback
func (self *RedisTransport) AddReceiveCallback(receiveCallback ReceiveFrameFunction) func() {
	return self.receiveCallbacks.Add(receiveCallback)
}

// AddAnnounceCallback is called with the id of each peer that announces itself.
// returns a function that removes the callback
func (self *RedisTransport) AddAnnounceCallback(announceCallback PeerFunction) func() {
	return self.announceCallbacks.Add(announceCallback)
}

func (self *RedisTransport) publish(ctx context.Context, destinationId Id, frameBytes []byte) error {
	payload := make([]byte, 0, 16+len(frameBytes))
	payload = append(payload, self.localId.Bytes()...)
	payload = append(payload, frameBytes...)
	return self.client.Publish(ctx, self.channel(destinationId), payload).Err()
}

// Transport implementation
func (self *RedisTransport) Send(ctx context.Context, destinationId Id, frameBytes []byte) error {
	return self.publish(ctx, destinationId, frameBytes)
}

// Run subscribes and, when `announceId` is not the broadcast id, repeatedly
// announces the local user to it. Returns when the transport closes or the
// connection fails.
func (self *RedisTransport) Run(announceId Id) error {
	pubsub := self.client.Subscribe(self.ctx, self.channel(self.localId))
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(self.ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(self.ctx)

	g.Go(func() error {
		messages := pubsub.Channel()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case message, ok := <-messages:
				if !ok {
					return fmt.Errorf("Subscription to %s closed.", self.channel(self.localId))
				}
				self.receive([]byte(message.Payload))
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-time.After(self.settings.PingTimeout):
			}
			if err := self.client.Ping(gCtx).Err(); err != nil {
				return err
			}
		}
	})

	if !announceId.IsBroadcast() {
		g.Go(func() error {
			for {
				if err := self.publish(gCtx, announceId, ToHelloFrame(self.localId, self.sessionId)); err != nil {
					glog.Infof("[redis]announce to %s error = %s\n", announceId, err)
				}
				select {
				case <-gCtx.Done():
					return nil
				case <-time.After(self.settings.AnnounceInterval):
				}
			}
		})
	}

	err := g.Wait()
	if self.ctx.Err() != nil {
		return nil
	}
	return err
}

func (self *RedisTransport) receive(payload []byte) {
	if len(payload) < 16 {
		glog.Infof("[redis]drop short message (%d)\n", len(payload))
		return
	}
	sourceId := RequireIdFromBytes(payload[0:16])
	frameBytes := payload[16:]

	frame, err := protocol.UnmarshalFrame(frameBytes)
	if err != nil {
		glog.Infof("[redis]%s<- bad frame = %s\n", sourceId, err)
		return
	}
	switch frame.GetMessageType() {
	case protocol.MessageType_Hello:
		peerId, sessionId, err := FromHelloFrame(frameBytes)
		if err != nil || peerId != sourceId || sessionId != self.sessionId {
			glog.Infof("[redis]%s<- bad hello\n", sourceId)
			return
		}
		for _, announceCallback := range self.announceCallbacks.Get() {
			HandleError(func() {
				announceCallback(peerId)
			})
		}
	case protocol.MessageType_ActivityBatch:
		glog.V(2).Infof("[redis]%s<-\n", sourceId)
		for _, receiveCallback := range self.receiveCallbacks.Get() {
			HandleError(func() {
				receiveCallback(sourceId, frameBytes)
			})
		}
	case protocol.MessageType_Ping:
	default:
		glog.V(1).Infof("[redis]%s<- unexpected %s\n", sourceId, frame.GetMessageType())
	}
}

func (self *RedisTransport) Close() {
	self.cancel()
}
