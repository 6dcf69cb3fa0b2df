package main

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/golang/glog"

	"github.com/bringyour/coedit/coedit"
)

type SimulationSettings struct {
	PeerCount int
	// local edits per participant, host included
	EditCount int
	Seed      int64
	// the most time between two edits of one participant
	MaxEditInterval time.Duration
	ConvergeTimeout time.Duration
}

func DefaultSimulationSettings() *SimulationSettings {
	return &SimulationSettings{
		PeerCount:       3,
		EditCount:       200,
		MaxEditInterval: 2 * time.Millisecond,
		ConvergeTimeout: 30 * time.Second,
	}
}

type SimulationParticipant struct {
	Role     string
	UserId   coedit.Id
	Checksum coedit.DocumentChecksum
}

type SimulationResult struct {
	Participants []*SimulationParticipant
	// local edits that applied
	EditCount int
	Converged bool
	Checksum  coedit.DocumentChecksum
	Duration  time.Duration
}

type simulationPeer struct {
	role      string
	session   *coedit.Session
	workspace *coedit.MemoryWorkspace
	resource  coedit.Resource
}

// RunSimulation runs one host and `PeerCount` clients over an in memory
// network. Every participant makes random concurrent edits to one document,
// then the replicas are compared.
func RunSimulation(ctx context.Context, settings *SimulationSettings) (*SimulationResult, error) {
	startTime := time.Now()

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	network := coedit.NewMemoryNetworkWithDefaults(cancelCtx)
	defer network.Close()

	hostId := coedit.NewId()
	peers := []*simulationPeer{}
	for i := 0; i <= settings.PeerCount; i += 1 {
		localId := hostId
		role := "host"
		if 0 < i {
			localId = coedit.NewId()
			role = fmt.Sprintf("client%d", i)
		}

		project := coedit.NewMemoryProject("sim")
		resource := project.RequireResource("doc.txt")
		workspace := coedit.NewMemoryWorkspace()
		workspace.SetText(resource, "")

		transport := network.Transport(localId)
		session := coedit.NewSession(
			cancelCtx,
			localId,
			hostId,
			transport,
			workspace,
			coedit.DefaultSessionSettings(),
			nil,
		)
		defer session.Close()
		if err := session.Mapper().AddProject("sim", project, false); err != nil {
			return nil, err
		}
		transport.AddReceiveCallback(func(sourceId coedit.Id, frameBytes []byte) {
			if err := session.Receive(sourceId, frameBytes); err != nil {
				glog.Infof("[sim]%s receive = %s\n", role, err)
			}
		})
		session.AddResyncCallback(func(ref coedit.ResourceRef, err error) {
			glog.Infof("[sim]%s resync %s = %s\n", role, ref, err)
		})

		peers = append(peers, &simulationPeer{
			role:      role,
			session:   session,
			workspace: workspace,
			resource:  resource,
		})
	}
	for _, peer := range peers[1:] {
		if err := peers[0].session.AddPeer(peer.session.LocalId()); err != nil {
			return nil, err
		}
	}

	var editLock sync.Mutex
	editCount := 0

	g, gCtx := errgroup.WithContext(cancelCtx)
	for i, peer := range peers {
		r := mathrand.New(mathrand.NewSource(settings.Seed + int64(i)))
		g.Go(func() error {
			for j := 0; j < settings.EditCount; j += 1 {
				select {
				case <-gCtx.Done():
					return gCtx.Err()
				case <-time.After(time.Duration(r.Int63n(int64(settings.MaxEditInterval) + 1))):
				}
				text, err := peer.workspace.Text(peer.resource)
				if err != nil {
					return err
				}
				op := randomOperation(r, text)
				// a remote edit can land between the read and the edit
				if err := peer.session.LocalTextEdit(peer.resource, op); err != nil {
					glog.V(1).Infof("[sim]%s skip %s = %s\n", peer.role, op, err)
					continue
				}
				editLock.Lock()
				editCount += 1
				editLock.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &SimulationResult{
		EditCount: editCount,
	}
	result.Converged = waitForConvergence(cancelCtx, peers, settings.ConvergeTimeout)

	for _, peer := range peers {
		text, err := peer.workspace.Text(peer.resource)
		if err != nil {
			return nil, err
		}
		result.Participants = append(result.Participants, &SimulationParticipant{
			Role:     peer.role,
			UserId:   peer.session.LocalId(),
			Checksum: coedit.NewDocumentChecksum(text),
		})
	}
	result.Checksum = result.Participants[0].Checksum
	result.Duration = time.Since(startTime)
	return result, nil
}

// random insert or delete against `text`
func randomOperation(r *mathrand.Rand, text string) coedit.Operation {
	runes := []rune(text)
	if 0 < len(runes) && r.Intn(3) == 0 {
		position := r.Intn(len(runes))
		end := min(len(runes), position+1+r.Intn(4))
		return coedit.Delete{
			Position: position,
			Text:     string(runes[position:end]),
		}
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz äöü"
	alphabetRunes := []rune(alphabet)
	insertRunes := make([]rune, 1+r.Intn(4))
	for i := range insertRunes {
		insertRunes[i] = alphabetRunes[r.Intn(len(alphabetRunes))]
	}
	return coedit.Insert{
		Position: r.Intn(len(runes) + 1),
		Text:     string(insertRunes),
	}
}

// converged when every replica has the host text and every client is in sync
// with the host
func waitForConvergence(ctx context.Context, peers []*simulationPeer, timeout time.Duration) bool {
	endTime := time.Now().Add(timeout)
	for {
		if converged(peers) {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func converged(peers []*simulationPeer) bool {
	host := peers[0]
	hostText, err := host.workspace.Text(host.resource)
	if err != nil {
		return false
	}
	ref := coedit.ResourceRef{
		ProjectId: "sim",
		Path:      host.resource.Path(),
	}
	hostVectorTimes := host.session.DocumentVectorTimes(ref)
	for _, peer := range peers[1:] {
		text, err := peer.workspace.Text(peer.resource)
		if err != nil || text != hostText {
			return false
		}
		if !utf8.ValidString(text) {
			return false
		}
		clientVectorTime := peer.session.DocumentVectorTimes(ref)[host.session.LocalId()]
		if clientVectorTime != hostVectorTimes[peer.session.LocalId()].Peer() {
			return false
		}
	}
	return true
}
