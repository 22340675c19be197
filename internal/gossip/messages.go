package gossip

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/ssd-technologies/holonet/internal/codec"
	"github.com/ssd-technologies/holonet/internal/dht"
	"github.com/ssd-technologies/holonet/internal/hash"
	"github.com/ssd-technologies/holonet/internal/store"
	"github.com/ssd-technologies/holonet/internal/types"
)

// MsgKind tags a gossip message.
type MsgKind uint8

const (
	MsgInitiate      MsgKind = 0x10
	MsgAccept        MsgKind = 0x20
	MsgAgents        MsgKind = 0x30
	MsgMissingAgents MsgKind = 0x40
	MsgOpRegions     MsgKind = 0x51
	MsgRegionDiff    MsgKind = 0x52
	MsgOpHashes      MsgKind = 0x55
	MsgMissingOps    MsgKind = 0x60
	MsgOpBatchAck    MsgKind = 0x61
	MsgFinished      MsgKind = 0x70

	// Terminal replies. Any of these ends the round.
	MsgError             MsgKind = 0x80
	MsgBusy              MsgKind = 0x81
	MsgNoAgents          MsgKind = 0x82
	MsgAlreadyInProgress MsgKind = 0x83
	MsgUnexpectedMessage MsgKind = 0x84
)

func (k MsgKind) String() string {
	switch k {
	case MsgInitiate:
		return "initiate"
	case MsgAccept:
		return "accept"
	case MsgAgents:
		return "agents"
	case MsgMissingAgents:
		return "missing_agents"
	case MsgOpRegions:
		return "op_regions"
	case MsgRegionDiff:
		return "region_diff"
	case MsgOpHashes:
		return "op_hashes"
	case MsgMissingOps:
		return "missing_ops"
	case MsgOpBatchAck:
		return "op_batch_ack"
	case MsgFinished:
		return "finished"
	case MsgError:
		return "error"
	case MsgBusy:
		return "busy"
	case MsgNoAgents:
		return "no_agents"
	case MsgAlreadyInProgress:
		return "already_in_progress"
	case MsgUnexpectedMessage:
		return "unexpected_message"
	default:
		return fmt.Sprintf("msg(0x%02x)", uint8(k))
	}
}

// Terminal reports whether k ends a round.
func (k MsgKind) Terminal() bool { return k >= MsgError }

// Loop distinguishes the two gossip loops.
type Loop uint8

const (
	LoopRecent Loop = iota + 1
	LoopHistorical
)

func (l Loop) String() string {
	switch l {
	case LoopRecent:
		return "recent"
	case LoopHistorical:
		return "historical"
	default:
		return fmt.Sprintf("loop(%d)", uint8(l))
	}
}

// Message is the gossip envelope body.
type Message struct {
	Kind  MsgKind `cbor:"1,keyasint"`
	Round string  `cbor:"2,keyasint"`
	Body  []byte  `cbor:"3,keyasint,omitempty"`
}

func newMessage(kind MsgKind, round string, body any) (Message, error) {
	m := Message{Kind: kind, Round: round}
	if body == nil {
		return m, nil
	}
	b, err := codec.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	m.Body = b
	return m, nil
}

func (m *Message) decode(v any) error {
	if err := codec.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Kind, err)
	}
	return nil
}

// AgentStamp names the version of an agent info a side already holds.
type AgentStamp struct {
	Agent    hash.Hash       `cbor:"1,keyasint"`
	SignedAt types.Timestamp `cbor:"2,keyasint"`
}

// Initiate opens a round.
type Initiate struct {
	Loop   Loop         `cbor:"1,keyasint"`
	Arcs   []dht.Arc    `cbor:"2,keyasint"`
	Agents []AgentStamp `cbor:"3,keyasint,omitempty"`
	// Window is the time span the round covers, in time buckets.
	WindowStart int64 `cbor:"4,keyasint"`
	WindowEnd   int64 `cbor:"5,keyasint"`
}

// Accept answers Initiate with the acceptor's side.
type Accept struct {
	Arcs   []dht.Arc    `cbor:"1,keyasint"`
	Agents []AgentStamp `cbor:"2,keyasint,omitempty"`
}

// Agents carries agent infos the receiver lacks. Used for both Agents and
// MissingAgents.
type Agents struct {
	Infos []dht.AgentInfo `cbor:"1,keyasint,omitempty"`
}

// Region pairs coordinates with one side's summary of them.
type Region struct {
	Coords store.RegionCoords `cbor:"1,keyasint"`
	Data   store.RegionData   `cbor:"2,keyasint"`
}

// OpRegions carries the initiator's summaries. RegionDiff answers with the
// acceptor's summaries of the regions that differ.
type OpRegions struct {
	Regions []Region `cbor:"1,keyasint,omitempty"`
}

// OpHashes lists a side's op hashes inside the leaf regions.
type OpHashes struct {
	Leaves []store.RegionCoords `cbor:"1,keyasint,omitempty"`
	Hashes []hash.Hash          `cbor:"2,keyasint,omitempty"`
}

// BatchStatus says where a MissingOps message sits in the transfer.
type BatchStatus uint8

const (
	// ChunkComplete means more chunks of the current batch follow.
	ChunkComplete BatchStatus = iota + 1
	// BatchComplete means this chunk ends a batch but more batches follow.
	BatchComplete
	// AllComplete means the sender has nothing more to send.
	AllComplete
)

// MissingOps carries a zstd compressed CBOR array of ops.
type MissingOps struct {
	Ops    []byte      `cbor:"1,keyasint,omitempty"`
	Status BatchStatus `cbor:"2,keyasint"`
}

// Finished closes a round with the sender's view of what moved.
type Finished struct {
	OpsIn  int `cbor:"1,keyasint"`
	OpsOut int `cbor:"2,keyasint"`
}

// Failure carries the reason for a terminal reply.
type Failure struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("gossip: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(128<<20))
	if err != nil {
		panic("gossip: zstd decoder: " + err.Error())
	}
}

// packOps compresses ops for a MissingOps message.
func packOps(ops []types.Op) ([]byte, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	raw, err := codec.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode op batch: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// unpackOps reverses packOps.
func unpackOps(b []byte) ([]types.Op, error) {
	if len(b) == 0 {
		return nil, nil
	}
	raw, err := zstdDecoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress op batch: %w", err)
	}
	var ops []types.Op
	if err := codec.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("decode op batch: %w", err)
	}
	return ops, nil
}
