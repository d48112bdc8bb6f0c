package wire

import (
	"errors"
	"fmt"

	"go.sia.tech/core/types"
)

// maxHeaderLen bounds the encoded size of a Header. Validator bitmaps are
// the dominant term.
const maxHeaderLen = 1 << 16

// A Header describes the sync state of a node. It is attached to every
// request and every response.
type Header struct {
	Version                   string `json:"version"`
	Height                    uint64 `json:"height"`
	Round                     uint64 `json:"round"`
	Step                      uint8  `json:"step"`
	ValidatorsSignedPrevote   []bool `json:"validatorsSignedPrevote"`
	ValidatorsSignedPrecommit []bool `json:"validatorsSignedPrecommit"`
}

// Clone returns a deep copy of the header.
func (h Header) Clone() Header {
	h.ValidatorsSignedPrevote = append([]bool(nil), h.ValidatorsSignedPrevote...)
	h.ValidatorsSignedPrecommit = append([]bool(nil), h.ValidatorsSignedPrecommit...)
	return h
}

// Validate checks that the header is well-formed.
func (h Header) Validate() error {
	switch {
	case h.Height < 1:
		return errors.New("header height must be at least 1")
	case h.Step > 2:
		return fmt.Errorf("header step %d out of range", h.Step)
	case h.Version == "":
		return errors.New("header is missing version")
	}
	return nil
}

// EncodeTo implements types.EncoderTo.
func (h Header) EncodeTo(e *types.Encoder) {
	e.WriteString(h.Version)
	e.WriteUint64(h.Height)
	e.WriteUint64(h.Round)
	e.WriteUint8(h.Step)
	encodeBitmap(e, h.ValidatorsSignedPrevote)
	encodeBitmap(e, h.ValidatorsSignedPrecommit)
}

// DecodeFrom implements types.DecoderFrom.
func (h *Header) DecodeFrom(d *types.Decoder) {
	h.Version = d.ReadString()
	h.Height = d.ReadUint64()
	h.Round = d.ReadUint64()
	h.Step = d.ReadUint8()
	h.ValidatorsSignedPrevote = decodeBitmap(d)
	h.ValidatorsSignedPrecommit = decodeBitmap(d)
}

func encodeBitmap(e *types.Encoder, bm []bool) {
	types.EncodeSliceFn(e, bm, (*types.Encoder).WriteBool)
}

func decodeBitmap(d *types.Decoder) (bm []bool) {
	types.DecodeSliceFn(d, &bm, (*types.Decoder).ReadBool)
	return
}
