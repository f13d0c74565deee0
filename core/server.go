package core

import (
	"log"
	"sync"

	"github.com/minimal-vr/netplay/shared/protocol"
)

// ServerGame drives the session synchronization cycle: it polls the session
// table, decodes and merges inbound records, and rebroadcasts the merged
// outgoing state to every peer.
//
// All game-facing accessors and Tick serialize on one mutex, so the
// diagnostics surface may read snapshots while the tick loop runs.
type ServerGame struct {
	table *SessionTable

	mu      sync.Mutex
	state   *PeerState
	carry   map[SessionID][]byte
	pending bool

	ticks      uint64
	broadcasts uint64
}

// NewServerGame builds a game around an already-listening session table.
func NewServerGame(table *SessionTable) *ServerGame {
	return &ServerGame{
		table: table,
		state: NewPeerState(),
		carry: make(map[SessionID][]byte),
	}
}

// Table exposes the underlying session table.
func (g *ServerGame) Table() *SessionTable {
	return g.table
}

// Tick runs one synchronization cycle: accept at most one pending
// connection, drain and merge every session's inbound records, then flush
// at most one broadcast if any merged record requested it. Records are
// processed in arrival order, and every available record is merged before
// the broadcast goes out.
func (g *ServerGame) Tick() {
	// At most one pending connection joins per tick; its init record
	// drives the handshake broadcast once it arrives.
	g.table.AcceptPending()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ticks++

	ids := g.table.IDs()
	live := make(map[SessionID]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	// Removed sessions take their carried partial bytes with them.
	for id := range g.carry {
		if _, ok := live[id]; !ok {
			delete(g.carry, id)
		}
	}

	for _, id := range ids {
		data := g.table.Receive(id)
		if len(data) == 0 && len(g.carry[id]) == 0 {
			continue
		}

		buf := append(g.carry[id], data...)
		records := protocol.SplitRecords(buf)
		for _, rec := range records {
			pkt, err := protocol.Decode(rec)
			if err != nil {
				log.Printf("[server] session %d: %v", id, err)
				continue
			}
			if pkt.Kind == protocol.KindInit {
				log.Printf("[server] session %d sent init", id)
			}
			if g.state.Merge(pkt) {
				g.pending = true
			}
		}

		// A record split across two reads stays buffered until the
		// poll that completes it.
		rest := buf[len(records)*protocol.PacketSize:]
		if len(rest) == 0 {
			delete(g.carry, id)
		} else {
			g.carry[id] = append([]byte(nil), rest...)
		}
	}

	if g.pending {
		g.broadcastLocked()
	}
}

// RequestBroadcast marks the outgoing state for delivery on the next Tick,
// without waiting for an inbound record to trigger it.
func (g *ServerGame) RequestBroadcast() {
	g.mu.Lock()
	g.pending = true
	g.mu.Unlock()
}

// broadcastLocked encodes the outgoing state exactly once and fans the same
// bytes out to every session registered right now. The one-shot shots are
// consumed even if a send fails; they are not retried.
func (g *ServerGame) broadcastLocked() {
	data := protocol.Encode(g.state.ConsumeOutgoing())
	g.table.SendToAll(data)
	g.pending = false
	g.broadcasts++
}

// StageAttack stages the local attack for the next broadcast.
func (g *ServerGame) StageAttack(c protocol.Cell) {
	g.mu.Lock()
	g.state.StageAttack(c)
	g.mu.Unlock()
}

// StageDamage stages the local damage report for the next broadcast.
func (g *ServerGame) StageDamage(c protocol.Cell) {
	g.mu.Lock()
	g.state.StageDamage(c)
	g.mu.Unlock()
}

// SetHeadPose refreshes the local head transform.
func (g *ServerGame) SetHeadPose(pose protocol.Pose) {
	g.mu.Lock()
	g.state.SetHeadPose(pose)
	g.mu.Unlock()
}

// SetDone sets the local readiness flag.
func (g *ServerGame) SetDone(done bool) {
	g.mu.Lock()
	g.state.SetDone(done)
	g.mu.Unlock()
}

// OtherAttack returns the latest attack merged from the remote peer.
func (g *ServerGame) OtherAttack() protocol.Shot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.OtherAttack()
}

// OtherDamage returns the latest damage merged from the remote peer.
func (g *ServerGame) OtherDamage() protocol.Shot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.OtherDamage()
}

// OtherHeadPose returns the remote peer's most recent head transform.
func (g *ServerGame) OtherHeadPose() protocol.Pose {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.OtherHeadPose()
}

// OtherDone returns the remote peer's most recent readiness flag.
func (g *ServerGame) OtherDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.OtherDone()
}

// TurnFlag reports whether a remote attack has arrived since the flag was
// last cleared.
func (g *ServerGame) TurnFlag() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.TurnFlag()
}

// SetTurnFlag clears or forces the turn signal.
func (g *ServerGame) SetTurnFlag(v bool) {
	g.mu.Lock()
	g.state.SetTurnFlag(v)
	g.mu.Unlock()
}

// Snapshot describes the engine for the diagnostics surface.
type Snapshot struct {
	Sessions    []SessionID    `json:"sessions"`
	Ticks       uint64         `json:"ticks"`
	Broadcasts  uint64         `json:"broadcasts"`
	TurnFlag    bool           `json:"turnFlag"`
	OtherDone   bool           `json:"otherDone"`
	OtherAttack *protocol.Cell `json:"otherAttack,omitempty"`
	OtherDamage *protocol.Cell `json:"otherDamage,omitempty"`
}

// Snapshot returns a point-in-time view of the engine.
func (g *ServerGame) Snapshot() Snapshot {
	ids := g.table.IDs()

	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		Sessions:   ids,
		Ticks:      g.ticks,
		Broadcasts: g.broadcasts,
		TurnFlag:   g.state.TurnFlag(),
		OtherDone:  g.state.OtherDone(),
	}
	if s := g.state.OtherAttack(); s.Present {
		cell := s.Cell
		snap.OtherAttack = &cell
	}
	if s := g.state.OtherDamage(); s.Present {
		cell := s.Cell
		snap.OtherDamage = &cell
	}
	return snap
}
