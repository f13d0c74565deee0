// Package protocol defines the wire types shared between the session server
// and game clients. It must have zero dependencies on the VR or graphics
// stack so both the headless server and the client netcode can import it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PacketKind discriminates the payload carried by a wire record.
type PacketKind uint32

const (
	// KindInit is the first record a client sends after connecting. The
	// server answers it with a proactive broadcast of the current state.
	KindInit PacketKind = 0

	// KindActionEvent carries the per-tick action payload in both
	// directions.
	KindActionEvent PacketKind = 1
)

func (k PacketKind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindActionEvent:
		return "action"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// BoardSize is the number of cells per side of the game grid.
const BoardSize = 10

// sentinel is the on-wire coordinate meaning "no shot in this record". It
// never appears in the in-memory API; Shot.Present replaces it.
const sentinel int32 = -1

// Cell is a coordinate on the game grid.
type Cell struct {
	X, Y int32
}

// InBounds reports whether the cell lies on the board.
func (c Cell) InBounds() bool {
	return c.X >= 0 && c.X < BoardSize && c.Y >= 0 && c.Y < BoardSize
}

// Shot is an optional Cell. The zero value means "no shot".
type Shot struct {
	Cell    Cell
	Present bool
}

// ShotAt returns a present Shot at the given cell.
func ShotAt(x, y int32) Shot {
	return Shot{Cell: Cell{X: x, Y: y}, Present: true}
}

// Pose is a row-major 4x4 transform carrying the peer's head position and
// orientation.
type Pose [16]float32

// IdentityPose returns the identity transform, the pose every peer starts
// with before any tracking data arrives.
func IdentityPose() Pose {
	return Pose{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Packet is one wire record. Every field is present in every record
// regardless of Kind.
type Packet struct {
	Kind     PacketKind
	Attack   Shot
	Damage   Shot
	Done     bool
	HeadPose Pose
}

// PacketSize is the exact encoded size of one record:
// kind(4) + attack(8) + damage(8) + done(4) + pose(64).
const PacketSize = 88

// ErrMalformedRecord is returned by Decode for records that are undersized
// or carry field values the protocol does not allow.
var ErrMalformedRecord = errors.New("protocol: malformed record")

// Encode serializes the packet into its fixed little-endian layout.
func Encode(p Packet) []byte {
	return Append(make([]byte, 0, PacketSize), p)
}

// Append appends the encoded packet to buf and returns the extended slice.
func Append(buf []byte, p Packet) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Kind))
	buf = appendShot(buf, p.Attack)
	buf = appendShot(buf, p.Damage)
	var done uint32
	if p.Done {
		done = 1
	}
	buf = binary.LittleEndian.AppendUint32(buf, done)
	for _, f := range p.HeadPose {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func appendShot(buf []byte, s Shot) []byte {
	x, y := sentinel, sentinel
	if s.Present {
		x, y = s.Cell.X, s.Cell.Y
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
	return binary.LittleEndian.AppendUint32(buf, uint32(y))
}

// Decode parses one record from the first PacketSize bytes of data. Extra
// trailing bytes are ignored; callers split multi-record buffers with
// SplitRecords first.
func Decode(data []byte) (Packet, error) {
	if len(data) < PacketSize {
		return Packet{}, fmt.Errorf("%w: %d of %d bytes", ErrMalformedRecord, len(data), PacketSize)
	}

	var p Packet
	p.Kind = PacketKind(binary.LittleEndian.Uint32(data[0:4]))

	attack, err := decodeShot(data[4:12], "attack")
	if err != nil {
		return Packet{}, err
	}
	p.Attack = attack

	damage, err := decodeShot(data[12:20], "damage")
	if err != nil {
		return Packet{}, err
	}
	p.Damage = damage

	switch done := binary.LittleEndian.Uint32(data[20:24]); done {
	case 0:
	case 1:
		p.Done = true
	default:
		return Packet{}, fmt.Errorf("%w: done flag %d", ErrMalformedRecord, done)
	}

	for i := range p.HeadPose {
		off := 24 + i*4
		p.HeadPose[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
	}
	return p, nil
}

func decodeShot(data []byte, field string) (Shot, error) {
	x := int32(binary.LittleEndian.Uint32(data[0:4]))
	y := int32(binary.LittleEndian.Uint32(data[4:8]))
	if x == sentinel && y == sentinel {
		return Shot{}, nil
	}
	cell := Cell{X: x, Y: y}
	if !cell.InBounds() {
		return Shot{}, fmt.Errorf("%w: %s coordinates (%d,%d)", ErrMalformedRecord, field, x, y)
	}
	return Shot{Cell: cell, Present: true}, nil
}

// SplitRecords slices buf into consecutive PacketSize records, in order.
// Trailing bytes that do not fill a whole record are dropped; callers that
// need them (a record split across two reads) must carry the remainder
// themselves before calling.
func SplitRecords(buf []byte) [][]byte {
	n := len(buf) / PacketSize
	if n == 0 {
		return nil
	}
	records := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, buf[i*PacketSize:(i+1)*PacketSize])
	}
	return records
}
