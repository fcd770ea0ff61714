package ws

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/livetraffic/internal/stats"
)

// Subprotocols offered during the upgrade, in preference order.
const (
	SubprotocolJSON     = "json.livetraffic.v1"
	SubprotocolProtobuf = "protobuf.livetraffic.v1"
)

// Field numbers of the Snapshot message in proto/livetraffic.proto.
const (
	fieldTimestamp protowire.Number = 1
	fieldTotal     protowire.Number = 2
	fieldRPS       protowire.Number = 3
	fieldAvg1m     protowire.Number = 4
)

// encodeJSON renders snap as a text frame payload.
func encodeJSON(snap stats.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

// EncodeProtobuf renders snap as a protobuf-encoded Snapshot message.
func EncodeProtobuf(snap stats.Snapshot) []byte {
	b := make([]byte, 0, 32)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.Timestamp))
	b = protowire.AppendTag(b, fieldTotal, protowire.VarintType)
	b = protowire.AppendVarint(b, snap.Total)
	b = protowire.AppendTag(b, fieldRPS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(snap.RPS))
	b = protowire.AppendTag(b, fieldAvg1m, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(snap.Avg1m))
	return b
}

// DecodeProtobuf parses a Snapshot message, skipping unknown fields.
func DecodeProtobuf(b []byte) (stats.Snapshot, error) {
	var snap stats.Snapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return snap, fmt.Errorf("consume tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return snap, fmt.Errorf("consume t: %w", protowire.ParseError(n))
			}
			snap.Timestamp = int64(v)
			b = b[n:]
		case num == fieldTotal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return snap, fmt.Errorf("consume total: %w", protowire.ParseError(n))
			}
			snap.Total = v
			b = b[n:]
		case num == fieldRPS && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return snap, fmt.Errorf("consume rps: %w", protowire.ParseError(n))
			}
			snap.RPS = int(v)
			b = b[n:]
		case num == fieldAvg1m && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return snap, fmt.Errorf("consume avg1m: %w", protowire.ParseError(n))
			}
			snap.Avg1m = math.Float64frombits(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return snap, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return snap, nil
}
