// Package network is the peer-side connector for the session server. It
// speaks the same fixed-record stream as the server and mirrors broadcast
// state into a local PeerState, so the game's render loop only ever touches
// plain accessors.
package network

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/minimal-vr/netplay/core"
	"github.com/minimal-vr/netplay/shared/protocol"
)

const (
	dialTimeout = 5 * time.Second

	// maxPendingBuffer bounds the staged inbound bytes between polls,
	// matching the server's per-session cap. Bytes past it are rejected.
	maxPendingBuffer = 1 << 20
)

// Client is one peer's connection to the session server.
// A reader goroutine stages inbound bytes so Poll and the accessors never
// block the host's frame loop. All shared fields are protected by mu.
type Client struct {
	conn net.Conn

	mu         sync.Mutex
	state      *core.PeerState
	carry      []byte
	pending    []byte
	overflowed bool
	readErr    error
}

// Dial connects to the session server and performs the init handshake: the
// init record prompts the server to answer with its current state on the
// next tick.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:  conn,
		state: core.NewPeerState(),
	}
	if err := c.send(protocol.Packet{Kind: protocol.KindInit, HeadPose: protocol.IdentityPose()}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send init: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// readLoop stages broadcast bytes off the connection until it fails. The
// failure is held and reported by the next Poll.
func (c *Client) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.stageInbound(buf[:n])
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
	}
}

func (c *Client) stageInbound(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := maxPendingBuffer - len(c.pending)
	if room <= 0 {
		if !c.overflowed {
			log.Printf("[client] inbound buffer full, rejecting excess")
			c.overflowed = true
		}
		return
	}
	if len(data) > room {
		if !c.overflowed {
			log.Printf("[client] inbound buffer full, rejecting excess")
			c.overflowed = true
		}
		data = data[:room]
	}
	c.pending = append(c.pending, data...)
}

func (c *Client) send(pkt protocol.Packet) error {
	c.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	_, err := c.conn.Write(protocol.Encode(pkt))
	return err
}

// StageAttack stages an attack for the next SendAction.
func (c *Client) StageAttack(cell protocol.Cell) {
	c.mu.Lock()
	c.state.StageAttack(cell)
	c.mu.Unlock()
}

// StageDamage stages a damage report for the next SendAction.
func (c *Client) StageDamage(cell protocol.Cell) {
	c.mu.Lock()
	c.state.StageDamage(cell)
	c.mu.Unlock()
}

// SetHeadPose refreshes the head transform sent with every action.
func (c *Client) SetHeadPose(pose protocol.Pose) {
	c.mu.Lock()
	c.state.SetHeadPose(pose)
	c.mu.Unlock()
}

// SetDone sets the readiness flag sent with every action.
func (c *Client) SetDone(done bool) {
	c.mu.Lock()
	c.state.SetDone(done)
	c.mu.Unlock()
}

// SendAction delivers the staged outgoing state to the server and clears
// the one-shot shots. The staged shots are consumed even when the write
// fails; they are not retried.
func (c *Client) SendAction() error {
	c.mu.Lock()
	pkt := c.state.ConsumeOutgoing()
	c.mu.Unlock()

	if err := c.send(pkt); err != nil {
		return fmt.Errorf("send action: %w", err)
	}
	return nil
}

// Poll takes whatever broadcast bytes have arrived and merges every whole
// record into the mirrored state, in order. Nothing available is not an
// error. A record split across reads stays buffered until the poll that
// completes it. Once the connection has failed, whole records received
// before the failure are still merged and the failure is returned.
func (c *Client) Poll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.carry = append(c.carry, c.pending...)
	c.pending = nil
	c.overflowed = false
	c.mergeCarry()

	if c.readErr != nil {
		return fmt.Errorf("receive: %w", c.readErr)
	}
	return nil
}

func (c *Client) mergeCarry() {
	records := protocol.SplitRecords(c.carry)
	for _, rec := range records {
		pkt, err := protocol.Decode(rec)
		if err != nil {
			log.Printf("[client] %v", err)
			continue
		}
		c.state.Merge(pkt)
	}
	rest := c.carry[len(records)*protocol.PacketSize:]
	if len(rest) == 0 {
		c.carry = nil
	} else {
		c.carry = append([]byte(nil), rest...)
	}
}

// OtherAttack returns the latest attack broadcast by the remote peer.
func (c *Client) OtherAttack() protocol.Shot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.OtherAttack()
}

// OtherDamage returns the latest damage broadcast by the remote peer.
func (c *Client) OtherDamage() protocol.Shot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.OtherDamage()
}

// OtherHeadPose returns the remote peer's most recent head transform.
func (c *Client) OtherHeadPose() protocol.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.OtherHeadPose()
}

// OtherDone returns the remote peer's most recent readiness flag.
func (c *Client) OtherDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.OtherDone()
}

// TurnFlag reports whether a remote attack has arrived since the flag was
// last cleared.
func (c *Client) TurnFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TurnFlag()
}

// SetTurnFlag clears or forces the turn signal.
func (c *Client) SetTurnFlag(v bool) {
	c.mu.Lock()
	c.state.SetTurnFlag(v)
	c.mu.Unlock()
}

// Close shuts the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
