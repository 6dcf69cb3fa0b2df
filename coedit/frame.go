package coedit

import (
	"fmt"
	"math"

	"github.com/bringyour/coedit/protocol"
)

// SequencedActivity is an activity with its per peer sequence number.
type SequencedActivity struct {
	SequenceNumber uint64
	Activity       Activity
}

func ToProtocolOperation(op Operation) *protocol.Operation {
	switch v := op.(type) {
	case Insert:
		return &protocol.Operation{
			Type:     protocol.OperationType_Insert,
			Position: uint64(v.Position),
			Text:     v.Text,
		}
	case Delete:
		return &protocol.Operation{
			Type:     protocol.OperationType_Delete,
			Position: uint64(v.Position),
			Text:     v.Text,
		}
	case Split:
		return &protocol.Operation{
			Type:   protocol.OperationType_Split,
			First:  ToProtocolOperation(v.First),
			Second: ToProtocolOperation(v.Second),
		}
	case NoOp:
		return &protocol.Operation{
			Type: protocol.OperationType_NoOp,
		}
	case Timestamp:
		return &protocol.Operation{
			Type: protocol.OperationType_Timestamp,
		}
	default:
		panic(fmt.Errorf("Unknown operation: %T", op))
	}
}

// the largest position, count or time accepted from the wire
const maxWireInt = math.MaxInt32

func wireInt(name string, v uint64) (int, error) {
	if maxWireInt < v {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrInvalidArgument, name, v)
	}
	return int(v), nil
}

// the edit must end inside the wire range, so position arithmetic cannot overflow
func wirePosition(protocolOp *protocol.Operation) (int, error) {
	position, err := wireInt("position", protocolOp.Position)
	if err != nil {
		return 0, err
	}
	if maxWireInt-position < len(protocolOp.Text) {
		return 0, fmt.Errorf("%w: edit at %d of %d bytes out of range", ErrInvalidArgument, position, len(protocolOp.Text))
	}
	return position, nil
}

func FromProtocolOperation(protocolOp *protocol.Operation) (Operation, error) {
	if protocolOp == nil {
		return nil, fmt.Errorf("%w: missing operation", ErrInvalidArgument)
	}
	switch protocolOp.Type {
	case protocol.OperationType_Insert:
		position, err := wirePosition(protocolOp)
		if err != nil {
			return nil, err
		}
		return Insert{Position: position, Text: protocolOp.Text}, nil
	case protocol.OperationType_Delete:
		position, err := wirePosition(protocolOp)
		if err != nil {
			return nil, err
		}
		return Delete{Position: position, Text: protocolOp.Text}, nil
	case protocol.OperationType_Split:
		first, err := FromProtocolOperation(protocolOp.First)
		if err != nil {
			return nil, err
		}
		second, err := FromProtocolOperation(protocolOp.Second)
		if err != nil {
			return nil, err
		}
		return Split{First: first, Second: second}, nil
	case protocol.OperationType_NoOp:
		return NoOp{}, nil
	case protocol.OperationType_Timestamp:
		return Timestamp{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation type %d", ErrInvalidArgument, protocolOp.Type)
	}
}

func ToProtocolActivity(sequencedActivity *SequencedActivity) *protocol.Activity {
	activity := sequencedActivity.Activity
	protocolActivity := &protocol.Activity{
		SequenceNumber: sequencedActivity.SequenceNumber,
		Kind:           activity.Kind(),
		SourceId:       activity.Source().wireBytes(),
		TargetId:       activity.Target().wireBytes(),
	}
	if ref, ok := ActivityResource(activity); ok {
		protocolActivity.ProjectId = ref.ProjectId
		protocolActivity.Path = ref.Path
	}

	switch v := activity.(type) {
	case TextEditActivity:
		protocolActivity.Operation = ToProtocolOperation(v.Operation)
		protocolActivity.LocalTime = uint64(v.VectorTime.Local)
		protocolActivity.RemoteTime = uint64(v.VectorTime.Remote)
	case TextSelectionActivity:
		protocolActivity.Offset = uint64(v.Offset)
		protocolActivity.Length = uint64(v.Length)
	case ViewportActivity:
		protocolActivity.Offset = uint64(v.StartLine)
		protocolActivity.Length = uint64(v.LineCount)
	case PermissionActivity:
		protocolActivity.UserId = v.UserId.wireBytes()
		protocolActivity.Permission = uint64(v.Permission)
	case ChecksumActivity:
		protocolActivity.Hash = v.Hash
		protocolActivity.Length = uint64(v.Length)
		protocolActivity.LocalTime = uint64(v.VectorTime.Local)
		protocolActivity.RemoteTime = uint64(v.VectorTime.Remote)
		protocolActivity.Exists = v.Exists
	case ProgressActivity:
		protocolActivity.ProgressId = v.ProgressId
		protocolActivity.Worked = uint64(v.Worked)
		protocolActivity.Total = uint64(v.Total)
		protocolActivity.Message = v.Message
		protocolActivity.Done = v.Done
	case FileActivity:
		protocolActivity.FileOp = uint64(v.Type)
		protocolActivity.OldProjectId = v.OldResource.ProjectId
		protocolActivity.OldPath = v.OldResource.Path
		protocolActivity.Content = v.Content
	case FolderActivity:
		protocolActivity.FileOp = uint64(v.Type)
	default:
		panic(fmt.Errorf("Unknown activity: %T", activity))
	}
	return protocolActivity
}

func FromProtocolActivity(protocolActivity *protocol.Activity) (*SequencedActivity, error) {
	sourceId, err := IdFromBytesOrBroadcast(protocolActivity.SourceId)
	if err != nil {
		return nil, err
	}
	targetId, err := IdFromBytesOrBroadcast(protocolActivity.TargetId)
	if err != nil {
		return nil, err
	}
	header := ActivityHeader{
		SourceId: sourceId,
		TargetId: targetId,
	}
	resourceHeader := ResourceHeader{
		Ref: ResourceRef{
			ProjectId: protocolActivity.ProjectId,
			Path:      protocolActivity.Path,
		},
	}
	localTime, err := wireInt("local time", protocolActivity.LocalTime)
	if err != nil {
		return nil, err
	}
	remoteTime, err := wireInt("remote time", protocolActivity.RemoteTime)
	if err != nil {
		return nil, err
	}
	vectorTime := JupiterVectorTime{
		Local:  localTime,
		Remote: remoteTime,
	}
	offset, err := wireInt("offset", protocolActivity.Offset)
	if err != nil {
		return nil, err
	}
	length, err := wireInt("length", protocolActivity.Length)
	if err != nil {
		return nil, err
	}

	var activity Activity
	switch protocolActivity.Kind {
	case protocol.ActivityKind_TextEdit:
		op, err := FromProtocolOperation(protocolActivity.Operation)
		if err != nil {
			return nil, err
		}
		activity = TextEditActivity{
			ActivityHeader: header,
			ResourceHeader: resourceHeader,
			Operation:      op,
			VectorTime:     vectorTime,
		}
	case protocol.ActivityKind_TextSelection:
		activity = TextSelectionActivity{
			ActivityHeader: header,
			ResourceHeader: resourceHeader,
			Offset:         offset,
			Length:         length,
		}
	case protocol.ActivityKind_Viewport:
		activity = ViewportActivity{
			ActivityHeader: header,
			ResourceHeader: resourceHeader,
			StartLine:      offset,
			LineCount:      length,
		}
	case protocol.ActivityKind_Permission:
		userId, err := IdFromBytes(protocolActivity.UserId)
		if err != nil {
			return nil, err
		}
		activity = PermissionActivity{
			ActivityHeader: header,
			UserId:         userId,
			Permission:     Permission(protocolActivity.Permission),
		}
	case protocol.ActivityKind_Checksum:
		activity = ChecksumActivity{
			ActivityHeader: header,
			ResourceHeader: resourceHeader,
			Hash:           protocolActivity.Hash,
			Length:         length,
			VectorTime:     vectorTime,
			Exists:         protocolActivity.Exists,
		}
	case protocol.ActivityKind_Progress:
		worked, err := wireInt("worked", protocolActivity.Worked)
		if err != nil {
			return nil, err
		}
		total, err := wireInt("total", protocolActivity.Total)
		if err != nil {
			return nil, err
		}
		activity = ProgressActivity{
			ActivityHeader: header,
			ProgressId:     protocolActivity.ProgressId,
			Worked:         worked,
			Total:          total,
			Message:        protocolActivity.Message,
			Done:           protocolActivity.Done,
		}
	case protocol.ActivityKind_File:
		activity = FileActivity{
			ActivityHeader: header,
			ResourceHeader: resourceHeader,
			Type:           FileActivityType(protocolActivity.FileOp),
			OldResource: ResourceRef{
				ProjectId: protocolActivity.OldProjectId,
				Path:      protocolActivity.OldPath,
			},
			Content: protocolActivity.Content,
		}
	case protocol.ActivityKind_Folder:
		activity = FolderActivity{
			ActivityHeader: header,
			ResourceHeader: resourceHeader,
			Type:           FolderActivityType(protocolActivity.FileOp),
		}
	default:
		return nil, fmt.Errorf("%w: unknown activity kind %d", ErrInvalidArgument, protocolActivity.Kind)
	}

	return &SequencedActivity{
		SequenceNumber: protocolActivity.SequenceNumber,
		Activity:       activity,
	}, nil
}

// ToActivityBatchFrame encodes a batch as a framed message.
func ToActivityBatchFrame(sourceId Id, destinationId Id, sequencedActivities []*SequencedActivity) ([]byte, error) {
	batch := &protocol.ActivityBatch{
		SourceId:      sourceId.wireBytes(),
		DestinationId: destinationId.wireBytes(),
	}
	for _, sequencedActivity := range sequencedActivities {
		batch.Activities = append(batch.Activities, ToProtocolActivity(sequencedActivity))
	}
	batchBytes, err := batch.Marshal()
	if err != nil {
		return nil, err
	}
	frame := &protocol.Frame{
		MessageType:  protocol.MessageType_ActivityBatch,
		MessageBytes: batchBytes,
	}
	return frame.Marshal(), nil
}

// FromActivityBatchFrame decodes a framed batch.
func FromActivityBatchFrame(frameBytes []byte) (sourceId Id, sequencedActivities []*SequencedActivity, returnErr error) {
	frame, err := protocol.UnmarshalFrame(frameBytes)
	if err != nil {
		returnErr = err
		return
	}
	if frame.GetMessageType() != protocol.MessageType_ActivityBatch {
		returnErr = fmt.Errorf("%w: expected activity batch, found %s", ErrInvalidArgument, frame.GetMessageType())
		return
	}
	batch, err := protocol.UnmarshalActivityBatch(frame.GetMessageBytes())
	if err != nil {
		returnErr = err
		return
	}
	sourceId, err = IdFromBytesOrBroadcast(batch.SourceId)
	if err != nil {
		returnErr = err
		return
	}
	for _, protocolActivity := range batch.Activities {
		sequencedActivity, err := FromProtocolActivity(protocolActivity)
		if err != nil {
			returnErr = err
			return
		}
		sequencedActivities = append(sequencedActivities, sequencedActivity)
	}
	return
}

// ToHelloFrame encodes the first frame of a connection.
func ToHelloFrame(userId Id, sessionId Id) []byte {
	hello := &protocol.Hello{
		UserId:    userId.wireBytes(),
		SessionId: sessionId.wireBytes(),
	}
	frame := &protocol.Frame{
		MessageType:  protocol.MessageType_Hello,
		MessageBytes: hello.Marshal(),
	}
	return frame.Marshal()
}

func FromHelloFrame(frameBytes []byte) (userId Id, sessionId Id, returnErr error) {
	frame, err := protocol.UnmarshalFrame(frameBytes)
	if err != nil {
		returnErr = err
		return
	}
	if frame.GetMessageType() != protocol.MessageType_Hello {
		returnErr = fmt.Errorf("%w: expected hello, found %s", ErrInvalidArgument, frame.GetMessageType())
		return
	}
	hello, err := protocol.UnmarshalHello(frame.GetMessageBytes())
	if err != nil {
		returnErr = err
		return
	}
	if userId, err = IdFromBytes(hello.UserId); err != nil {
		returnErr = err
		return
	}
	if sessionId, err = IdFromBytesOrBroadcast(hello.SessionId); err != nil {
		returnErr = err
		return
	}
	return
}

func ToPingFrame(sendTime uint64) []byte {
	ping := &protocol.Ping{
		SendTime: sendTime,
	}
	frame := &protocol.Frame{
		MessageType:  protocol.MessageType_Ping,
		MessageBytes: ping.Marshal(),
	}
	return frame.Marshal()
}
