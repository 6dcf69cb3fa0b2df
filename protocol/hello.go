package protocol

import (
	"bytes"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hello is the first frame on a connection and names the peer.
//
//	message Hello {
//	    bytes user_id = 1;
//	    bytes session_id = 2;
//	}
type Hello struct {
	UserId    []byte
	SessionId []byte
}

func (self *Hello) Marshal() []byte {
	var b []byte
	b = appendBytesField(b, 1, self.UserId)
	b = appendBytesField(b, 2, self.SessionId)
	return b
}

func UnmarshalHello(b []byte) (*Hello, error) {
	hello := &Hello{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.BytesType && (num == 1 || num == 2) {
			var value []byte
			value, n = protowire.ConsumeBytes(b)
			if 0 <= n {
				if num == 1 {
					hello.UserId = bytes.Clone(value)
				} else {
					hello.SessionId = bytes.Clone(value)
				}
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return hello, nil
}

// Ping keeps idle connections open.
//
//	message Ping {
//	    uint64 send_time = 1;
//	}
type Ping struct {
	SendTime uint64
}

func (self *Ping) Marshal() []byte {
	return appendVarintField(nil, 1, self.SendTime)
}

func UnmarshalPing(b []byte) (*Ping, error) {
	ping := &Ping{}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			ping.SendTime, n = protowire.ConsumeVarint(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return ping, nil
}
