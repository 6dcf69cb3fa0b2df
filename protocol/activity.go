package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand written protowire codec for the messages in activity.proto.
// Field numbers must match the schema.
//
// An ActivityBatch frame payload is `gzip(uvarint(len(batch)) || batch)`.

type ActivityKind uint32

const (
	ActivityKind_Unknown       ActivityKind = 0
	ActivityKind_TextEdit      ActivityKind = 1
	ActivityKind_TextSelection ActivityKind = 2
	ActivityKind_Viewport      ActivityKind = 3
	ActivityKind_Permission    ActivityKind = 4
	ActivityKind_Checksum      ActivityKind = 5
	ActivityKind_Progress      ActivityKind = 6
	ActivityKind_File          ActivityKind = 7
	ActivityKind_Folder        ActivityKind = 8
)

type OperationType uint32

const (
	OperationType_Unknown   OperationType = 0
	OperationType_Insert    OperationType = 1
	OperationType_Delete    OperationType = 2
	OperationType_Split     OperationType = 3
	OperationType_NoOp      OperationType = 4
	OperationType_Timestamp OperationType = 5
)

// split operations nest; bound the depth so a hostile batch cannot exhaust the stack
const MaxOperationDepth = 64

// upper bound for the decompressed size of one batch
const MaxBatchByteCount = 32 * 1024 * 1024

type Operation struct {
	Type     OperationType
	Position uint64
	Text     string
	First    *Operation
	Second   *Operation
}

type Activity struct {
	SequenceNumber uint64
	Kind           ActivityKind
	SourceId       []byte
	TargetId       []byte
	ProjectId      string
	Path           string
	Operation      *Operation
	LocalTime      uint64
	RemoteTime     uint64
	Offset         uint64
	Length         uint64
	Hash           uint64
	Exists         bool
	UserId         []byte
	Permission     uint64
	ProgressId     string
	Worked         uint64
	Total          uint64
	Message        string
	Done           bool
	FileOp         uint64
	OldProjectId   string
	OldPath        string
	Content        []byte
}

type ActivityBatch struct {
	SourceId      []byte
	DestinationId []byte
	Activities    []*Activity
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func (self *Operation) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(self.Type))
	b = appendVarintField(b, 2, self.Position)
	b = appendStringField(b, 3, self.Text)
	if self.First != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, self.First.appendTo(nil))
	}
	if self.Second != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, self.Second.appendTo(nil))
	}
	return b
}

func (self *Operation) unmarshal(b []byte, depth int) error {
	if MaxOperationDepth < depth {
		return fmt.Errorf("Operation nesting exceeds maximum: %d", MaxOperationDepth)
	}
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			self.Type = OperationType(v)
		case num == 2 && typ == protowire.VarintType:
			self.Position, n = protowire.ConsumeVarint(b)
		case num == 3 && typ == protowire.BytesType:
			self.Text, n = protowire.ConsumeString(b)
		case (num == 4 || num == 5) && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if 0 <= n {
				child := &Operation{}
				if err := child.unmarshal(v, depth+1); err != nil {
					return err
				}
				if num == 4 {
					self.First = child
				} else {
					self.Second = child
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func (self *Activity) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, self.SequenceNumber)
	b = appendVarintField(b, 2, uint64(self.Kind))
	b = appendBytesField(b, 3, self.SourceId)
	b = appendBytesField(b, 4, self.TargetId)
	b = appendStringField(b, 5, self.ProjectId)
	b = appendStringField(b, 6, self.Path)
	if self.Operation != nil {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, self.Operation.appendTo(nil))
	}
	b = appendVarintField(b, 8, self.LocalTime)
	b = appendVarintField(b, 9, self.RemoteTime)
	b = appendVarintField(b, 10, self.Offset)
	b = appendVarintField(b, 11, self.Length)
	if self.Hash != 0 {
		b = protowire.AppendTag(b, 12, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, self.Hash)
	}
	b = appendBoolField(b, 13, self.Exists)
	b = appendBytesField(b, 14, self.UserId)
	b = appendVarintField(b, 15, self.Permission)
	b = appendStringField(b, 16, self.ProgressId)
	b = appendVarintField(b, 17, self.Worked)
	b = appendVarintField(b, 18, self.Total)
	b = appendStringField(b, 19, self.Message)
	b = appendBoolField(b, 20, self.Done)
	b = appendVarintField(b, 21, self.FileOp)
	b = appendStringField(b, 22, self.OldProjectId)
	b = appendStringField(b, 23, self.OldPath)
	b = appendBytesField(b, 24, self.Content)
	return b
}

func (self *Activity) unmarshal(b []byte) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v uint64
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case 1:
				self.SequenceNumber = v
			case 2:
				self.Kind = ActivityKind(v)
			case 8:
				self.LocalTime = v
			case 9:
				self.RemoteTime = v
			case 10:
				self.Offset = v
			case 11:
				self.Length = v
			case 13:
				self.Exists = protowire.DecodeBool(v)
			case 15:
				self.Permission = v
			case 17:
				self.Worked = v
			case 18:
				self.Total = v
			case 20:
				self.Done = protowire.DecodeBool(v)
			case 21:
				self.FileOp = v
			}
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if num == 12 {
				self.Hash = v
			}
		case protowire.BytesType:
			var value []byte
			value, n = protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case 3:
				self.SourceId = bytes.Clone(value)
			case 4:
				self.TargetId = bytes.Clone(value)
			case 5:
				self.ProjectId = string(value)
			case 6:
				self.Path = string(value)
			case 7:
				operation := &Operation{}
				if err := operation.unmarshal(value, 0); err != nil {
					return err
				}
				self.Operation = operation
			case 14:
				self.UserId = bytes.Clone(value)
			case 16:
				self.ProgressId = string(value)
			case 19:
				self.Message = string(value)
			case 22:
				self.OldProjectId = string(value)
			case 23:
				self.OldPath = string(value)
			case 24:
				self.Content = bytes.Clone(value)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func (self *ActivityBatch) appendTo(b []byte) []byte {
	b = appendBytesField(b, 1, self.SourceId)
	b = appendBytesField(b, 2, self.DestinationId)
	for _, activity := range self.Activities {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, activity.appendTo(nil))
	}
	return b
}

func (self *ActivityBatch) unmarshal(b []byte) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ == protowire.BytesType && 1 <= num && num <= 3 {
			var value []byte
			value, n = protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			switch num {
			case 1:
				self.SourceId = bytes.Clone(value)
			case 2:
				self.DestinationId = bytes.Clone(value)
			case 3:
				activity := &Activity{}
				if err := activity.unmarshal(value); err != nil {
					return err
				}
				self.Activities = append(self.Activities, activity)
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

// Marshal returns the compressed, length prefixed frame payload.
func (self *ActivityBatch) Marshal() ([]byte, error) {
	raw := self.appendTo(nil)

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(protowire.AppendVarint(nil, uint64(len(raw)))); err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func UnmarshalActivityBatch(b []byte) (*ActivityBatch, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// one extra byte to detect an oversized batch
	payload, err := io.ReadAll(io.LimitReader(r, int64(MaxBatchByteCount+protowire.SizeVarint(MaxBatchByteCount)+1)))
	if err != nil {
		return nil, err
	}
	rawByteCount, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	if MaxBatchByteCount < rawByteCount {
		return nil, fmt.Errorf("Batch exceeds maximum size: %d", rawByteCount)
	}
	raw := payload[n:]
	if uint64(len(raw)) != rawByteCount {
		return nil, errors.New("Batch length prefix does not match payload.")
	}
	batch := &ActivityBatch{}
	if err := batch.unmarshal(raw); err != nil {
		return nil, err
	}
	return batch, nil
}
