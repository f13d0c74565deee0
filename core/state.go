package core

import (
	"log"

	"github.com/minimal-vr/netplay/shared/protocol"
)

// PeerState is the canonical action state for the local peer: the outgoing
// fields staged by game logic for the next broadcast, and the incoming
// fields mirrored from the remote peer's records.
//
// The outgoing attack and damage are one-shot: ConsumeOutgoing clears them,
// so each staged shot is delivered at most once. Head pose and the done flag
// are continuously valid and survive a broadcast.
//
// PeerState is not synchronized; it belongs to whichever single goroutine
// drives the merge/broadcast cycle.
type PeerState struct {
	myAttack   protocol.Shot
	myDamage   protocol.Shot
	myHeadPose protocol.Pose
	myDone     bool

	otherAttack   protocol.Shot
	otherDamage   protocol.Shot
	otherHeadPose protocol.Pose
	otherDone     bool

	turnFlag bool
}

// NewPeerState returns a state with identity poses and no staged shots.
func NewPeerState() *PeerState {
	return &PeerState{
		myHeadPose:    protocol.IdentityPose(),
		otherHeadPose: protocol.IdentityPose(),
	}
}

// StageAttack stages an attack cell for the next broadcast.
func (p *PeerState) StageAttack(c protocol.Cell) {
	p.myAttack = protocol.Shot{Cell: c, Present: true}
}

// StageDamage stages a damage report for the next broadcast.
func (p *PeerState) StageDamage(c protocol.Cell) {
	p.myDamage = protocol.Shot{Cell: c, Present: true}
}

// SetHeadPose refreshes the local head transform sent with every broadcast.
func (p *PeerState) SetHeadPose(pose protocol.Pose) {
	p.myHeadPose = pose
}

// SetDone sets the local readiness flag sent with every broadcast.
func (p *PeerState) SetDone(done bool) {
	p.myDone = done
}

// PendingAttack reports the staged, not yet broadcast, local attack.
func (p *PeerState) PendingAttack() protocol.Shot { return p.myAttack }

// PendingDamage reports the staged, not yet broadcast, local damage.
func (p *PeerState) PendingDamage() protocol.Shot { return p.myDamage }

// OtherAttack returns the latest non-empty attack merged from the remote
// peer.
func (p *PeerState) OtherAttack() protocol.Shot { return p.otherAttack }

// OtherDamage returns the latest non-empty damage merged from the remote
// peer.
func (p *PeerState) OtherDamage() protocol.Shot { return p.otherDamage }

// OtherHeadPose returns the remote peer's most recent head transform.
func (p *PeerState) OtherHeadPose() protocol.Pose { return p.otherHeadPose }

// OtherDone returns the remote peer's most recent readiness flag.
func (p *PeerState) OtherDone() bool { return p.otherDone }

// TurnFlag reports whether a remote attack has arrived since the flag was
// last cleared. An incoming non-empty attack is the only thing that raises
// it.
func (p *PeerState) TurnFlag() bool { return p.turnFlag }

// SetTurnFlag lets game logic clear (or force) the turn signal after acting
// on it.
func (p *PeerState) SetTurnFlag(v bool) { p.turnFlag = v }

// Merge folds one decoded record into the incoming state and reports
// whether a broadcast of the outgoing state should follow.
//
// An Init record merges nothing but always requests a broadcast; that is
// the whole connection handshake. An ActionEvent takes the attack and
// damage only when present (latest-non-empty-wins) and the pose and done
// flag unconditionally (latest-wins). Unknown kinds are logged and skipped.
func (p *PeerState) Merge(pkt protocol.Packet) bool {
	switch pkt.Kind {
	case protocol.KindInit:
		return true

	case protocol.KindActionEvent:
		if pkt.Attack.Present {
			p.otherAttack = pkt.Attack
			p.turnFlag = true
		}
		if pkt.Damage.Present {
			p.otherDamage = pkt.Damage
		}
		p.otherDone = pkt.Done
		p.otherHeadPose = pkt.HeadPose
		return true

	default:
		log.Printf("[state] ignoring record with unknown kind %d", uint32(pkt.Kind))
		return false
	}
}

// ConsumeOutgoing builds the broadcast record from the outgoing fields and
// clears the one-shot shots. Pose and done are carried over untouched.
func (p *PeerState) ConsumeOutgoing() protocol.Packet {
	pkt := protocol.Packet{
		Kind:     protocol.KindActionEvent,
		Attack:   p.myAttack,
		Damage:   p.myDamage,
		Done:     p.myDone,
		HeadPose: p.myHeadPose,
	}
	p.myAttack = protocol.Shot{}
	p.myDamage = protocol.Shot{}
	return pkt
}
