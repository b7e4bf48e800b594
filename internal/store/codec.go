package store

import (
	"encoding/binary"
	"fmt"

	"github.com/atmx/lending-engine/internal/model"
)

// Position record layout, version 1:
//
//	[0]     version (0x01)
//	[1:9]   collateral, big-endian uint64
//	[9:17]  debt, big-endian uint64
//	[17:]   extension bytes, ignored by v1 readers
//
// Later versions may append fields after byte 17; v1 readers keep decoding
// them. Bumping the version byte is reserved for incompatible layouts.
const (
	positionV1     byte = 0x01
	positionV1Size      = 17
)

// EncodePosition returns the byte-stable v1 encoding of pos.
func EncodePosition(pos model.Position) []byte {
	buf := make([]byte, positionV1Size)
	buf[0] = positionV1
	binary.BigEndian.PutUint64(buf[1:9], pos.Collateral)
	binary.BigEndian.PutUint64(buf[9:17], pos.Debt)
	return buf
}

// DecodePosition parses a record produced by EncodePosition or a later
// forward-compatible writer.
func DecodePosition(data []byte) (model.Position, error) {
	if len(data) == 0 {
		return model.Position{}, fmt.Errorf("%w: empty position record", ErrCorrupt)
	}
	switch data[0] {
	case positionV1:
		if len(data) < positionV1Size {
			return model.Position{}, fmt.Errorf("%w: position record truncated (%d bytes)", ErrCorrupt, len(data))
		}
		return model.Position{
			Collateral: binary.BigEndian.Uint64(data[1:9]),
			Debt:       binary.BigEndian.Uint64(data[9:17]),
		}, nil
	default:
		return model.Position{}, fmt.Errorf("%w: unknown position record version %d", ErrCorrupt, data[0])
	}
}
