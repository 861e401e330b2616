package wire

import "encoding/binary"

// Wire geometry. MsgHeaderLength must stay a multiple of 16 so the
// padded payload that follows keeps every header 8-byte aligned.
const (
	MsgHeaderLength = 48
	AlignBytes      = 8

	// MaxMsgLength bounds aligned_data_len. Frames above it are a
	// protocol violation.
	MaxMsgLength = 64 << 20

	// MagicNumber sits at offset 0 of every frame when the
	// magic-check policy is enabled.
	MagicNumber uint32 = 0xF5A6B4C3

	// NoSessionMsgSeq marks messages that must not create or resolve
	// a session (handshake, ping).
	NoSessionMsgSeq uint32 = 11111
)

// Internal function ids. Application selectors are assigned outside
// this range; negative selectors additionally promise the whole frame
// fits a single receive buffer.
const (
	FuncHelloRequest  int32 = 1
	FuncHelloResponse int32 = 2
	FuncPingRequest   int32 = 3
	FuncPingResponse  int32 = 4
)

// SessionID identifies a logical request/response pair. The transport
// only routes on it; seq 0 is reserved for pings.
type SessionID struct {
	IP        uint32
	Timestamp uint32
	Seq       uint64
}

// MsgHeader is the decoded form of the fixed frame header.
type MsgHeader struct {
	Magic          uint32
	FuncID         int32
	DataLen        uint32
	AlignedDataLen uint32
	SessionID      SessionID
	MsgSeq         uint32
}

// Align8 rounds n up to the next multiple of AlignBytes.
func Align8(n uint32) uint32 {
	return (n + AlignBytes - 1) &^ (AlignBytes - 1)
}

// PadLen returns the number of padding bytes that follow the payload.
func (h *MsgHeader) PadLen() uint32 {
	return h.AlignedDataLen - h.DataLen
}

// FrameLen returns the total on-wire size of the frame.
func (h *MsgHeader) FrameLen() int {
	return MsgHeaderLength + int(h.AlignedDataLen)
}

// EncodeTo writes the header into b, which must hold at least
// MsgHeaderLength bytes. The reserved tail is zeroed.
func (h *MsgHeader) EncodeTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.Magic)
	binary.LittleEndian.PutUint32(b[4:], uint32(h.FuncID))
	binary.LittleEndian.PutUint32(b[8:], h.DataLen)
	binary.LittleEndian.PutUint32(b[12:], h.AlignedDataLen)
	binary.LittleEndian.PutUint32(b[16:], h.SessionID.IP)
	binary.LittleEndian.PutUint32(b[20:], h.SessionID.Timestamp)
	binary.LittleEndian.PutUint64(b[24:], h.SessionID.Seq)
	binary.LittleEndian.PutUint32(b[32:], h.MsgSeq)
	for i := 36; i < MsgHeaderLength; i++ {
		b[i] = 0
	}
}

// ParseHeader decodes a header from b without validating lengths.
// checkMagic enforces the magic-number policy.
func ParseHeader(b []byte, checkMagic bool) (MsgHeader, error) {
	var h MsgHeader
	if len(b) < MsgHeaderLength {
		return h, ErrShortHeader
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:])
	if checkMagic && h.Magic != MagicNumber {
		return h, ErrBadMagic
	}
	h.FuncID = int32(binary.LittleEndian.Uint32(b[4:]))
	h.DataLen = binary.LittleEndian.Uint32(b[8:])
	h.AlignedDataLen = binary.LittleEndian.Uint32(b[12:])
	h.SessionID.IP = binary.LittleEndian.Uint32(b[16:])
	h.SessionID.Timestamp = binary.LittleEndian.Uint32(b[20:])
	h.SessionID.Seq = binary.LittleEndian.Uint64(b[24:])
	h.MsgSeq = binary.LittleEndian.Uint32(b[32:])
	return h, nil
}

// Validate applies the length rules that hold for every frame.
func (h *MsgHeader) Validate() error {
	if h.AlignedDataLen > MaxMsgLength {
		return ErrPayloadTooLarge
	}
	if h.AlignedDataLen != Align8(h.DataLen) {
		return ErrUnalignedBody
	}
	return nil
}

// NewHeader fills a header for an outbound message with the magic set
// and the aligned length derived from dataLen.
func NewHeader(funcID int32, dataLen uint32, sid SessionID, msgSeq uint32) MsgHeader {
	return MsgHeader{
		Magic:          MagicNumber,
		FuncID:         funcID,
		DataLen:        dataLen,
		AlignedDataLen: Align8(dataLen),
		SessionID:      sid,
		MsgSeq:         msgSeq,
	}
}
