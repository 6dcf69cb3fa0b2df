package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message type ids are part of the wire format.
// Both ends agree on the numbering without negotiation, so an id is never
// renumbered or reused once assigned. Append new types at the end.
type MessageType uint16

const (
	MessageType_Unknown       MessageType = 0
	MessageType_Hello         MessageType = 1
	MessageType_ActivityBatch MessageType = 2
	MessageType_Ping          MessageType = 3
)

func (self MessageType) String() string {
	switch self {
	case MessageType_Hello:
		return "Hello"
	case MessageType_ActivityBatch:
		return "ActivityBatch"
	case MessageType_Ping:
		return "Ping"
	default:
		return fmt.Sprintf("MessageType(%d)", uint16(self))
	}
}

const frameHeaderByteCount = 2

// Frame is one typed unit on the wire: `[2-byte type id][payload]`.
type Frame struct {
	MessageType  MessageType
	MessageBytes []byte
}

func (self *Frame) GetMessageType() MessageType {
	if self == nil {
		return MessageType_Unknown
	}
	return self.MessageType
}

func (self *Frame) GetMessageBytes() []byte {
	if self == nil {
		return nil
	}
	return self.MessageBytes
}

func (self *Frame) Marshal() []byte {
	b := make([]byte, frameHeaderByteCount, frameHeaderByteCount+len(self.MessageBytes))
	binary.BigEndian.PutUint16(b, uint16(self.MessageType))
	return append(b, self.MessageBytes...)
}

func UnmarshalFrame(b []byte) (*Frame, error) {
	if len(b) < frameHeaderByteCount {
		return nil, errors.New("Frame is too short.")
	}
	messageType := MessageType(binary.BigEndian.Uint16(b[0:frameHeaderByteCount]))
	if messageType == MessageType_Unknown {
		return nil, errors.New("Frame has no message type.")
	}
	return &Frame{
		MessageType:  messageType,
		MessageBytes: b[frameHeaderByteCount:],
	}, nil
}
