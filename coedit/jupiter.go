package coedit

import (
	"fmt"
)

// JupiterVectorTime is the two dimensional clock of one (document, peer) pair.
// `Local` counts operations generated here, `Remote` counts operations
// received from the peer and applied here.
type JupiterVectorTime struct {
	Local  int
	Remote int
}

func (self JupiterVectorTime) String() string {
	return fmt.Sprintf("[%d,%d]", self.Local, self.Remote)
}

// Dominates is true when `self` has seen everything `other` has seen.
func (self JupiterVectorTime) Dominates(other JupiterVectorTime) bool {
	return other.Local <= self.Local && other.Remote <= self.Remote
}

// Concurrent is true when neither time dominates the other.
// Only concurrent operations need transformation.
func (self JupiterVectorTime) Concurrent(other JupiterVectorTime) bool {
	return !self.Dominates(other) && !other.Dominates(self)
}

// the same time as seen from the peer
func (self JupiterVectorTime) Peer() JupiterVectorTime {
	return JupiterVectorTime{
		Local:  self.Remote,
		Remote: self.Local,
	}
}

type JupiterError struct {
	LocalTime  JupiterVectorTime
	RemoteTime JupiterVectorTime
	Message    string
}

func (self *JupiterError) Error() string {
	return fmt.Sprintf("%s local=%s remote=%s: %s", ErrVectorTime, self.LocalTime, self.RemoteTime, self.Message)
}

func (self *JupiterError) Unwrap() error {
	return ErrVectorTime
}

type outstandingOperation struct {
	operation Operation
	// local count when the operation was generated
	localCount int
}

// Jupiter is the OT state machine for one document shared with one peer.
// It is not thread safe. The owner must serialize all calls.
type Jupiter struct {
	localId  Id
	remoteId Id

	vectorTime JupiterVectorTime
	// number of local operations the peer has acknowledged
	ackedCount int
	// generated and not yet acknowledged, in generation order
	outstanding []*outstandingOperation
}

// The site ids break insert ties; both sides must use the same pair of ids.
func NewJupiter(localId Id, remoteId Id) *Jupiter {
	return &Jupiter{
		localId:  localId,
		remoteId: remoteId,
	}
}

func (self *Jupiter) VectorTime() JupiterVectorTime {
	return self.vectorTime
}

func (self *Jupiter) OutstandingCount() int {
	return len(self.outstanding)
}

func (self *Jupiter) AckedCount() int {
	return self.ackedCount
}

// Generate records a local operation, already applied to the local text, and
// returns the operation with the vector time to send to the peer.
func (self *Jupiter) Generate(op Operation) (Operation, JupiterVectorTime) {
	vectorTime := self.vectorTime
	self.outstanding = append(self.outstanding, &outstandingOperation{
		operation:  op,
		localCount: vectorTime.Local,
	})
	self.vectorTime.Local += 1
	return op, vectorTime
}

// Receive transforms an operation from the peer against the outstanding
// local operations and returns the operation to apply to the local text.
// `remoteTime` is the vector time as sent by the peer.
func (self *Jupiter) Receive(op Operation, remoteTime JupiterVectorTime) (Operation, error) {
	if remoteTime.Local != self.vectorTime.Remote {
		return nil, &JupiterError{
			LocalTime:  self.vectorTime,
			RemoteTime: remoteTime,
			Message:    fmt.Sprintf("expected remote operation %d", self.vectorTime.Remote),
		}
	}
	if err := self.Acknowledge(remoteTime.Remote); err != nil {
		return nil, err
	}

	remoteFirst := self.remoteId.LessThan(self.localId)
	for _, outstanding := range self.outstanding {
		transformedOp := Transform(op, outstanding.operation, remoteFirst)
		outstanding.operation = Transform(outstanding.operation, op, !remoteFirst)
		op = transformedOp
	}
	self.vectorTime.Remote += 1
	return op, nil
}

// Acknowledge drops the outstanding operations the peer has applied.
// `ackedCount` is the number of local operations the peer has applied.
func (self *Jupiter) Acknowledge(ackedCount int) error {
	if ackedCount < self.ackedCount || self.vectorTime.Local < ackedCount {
		return &JupiterError{
			LocalTime:  self.vectorTime,
			RemoteTime: JupiterVectorTime{Remote: ackedCount},
			Message:    fmt.Sprintf("acknowledged %d outside [%d,%d]", ackedCount, self.ackedCount, self.vectorTime.Local),
		}
	}
	i := 0
	for ; i < len(self.outstanding); i += 1 {
		if ackedCount <= self.outstanding[i].localCount {
			break
		}
		self.outstanding[i] = nil
	}
	self.outstanding = self.outstanding[i:]
	self.ackedCount = ackedCount
	return nil
}
