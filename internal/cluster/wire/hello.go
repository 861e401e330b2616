package wire

import "encoding/binary"

// Protocol version advertised in the handshake. A peer is accepted if
// any major in its advertised range overlaps ours.
const (
	ClusterMajorVersion    uint32 = 3
	ClusterMinorVersion    uint32 = 1
	MinClusterMajorVersion uint32 = 2
	MinClusterMinorVersion uint32 = 0
)

// HelloMessageLength is the payload size of both handshake frames.
const HelloMessageLength = 16

// HelloMessage is the payload of HELLO_REQUEST and HELLO_RESPONSE.
type HelloMessage struct {
	Major    uint32
	Minor    uint32
	MinMajor uint32
	MinMinor uint32
}

// LocalHello returns the hello payload this node advertises.
func LocalHello() HelloMessage {
	return HelloMessage{
		Major:    ClusterMajorVersion,
		Minor:    ClusterMinorVersion,
		MinMajor: MinClusterMajorVersion,
		MinMinor: MinClusterMinorVersion,
	}
}

// EncodeTo writes the hello payload into b, which must hold at least
// HelloMessageLength bytes.
func (m *HelloMessage) EncodeTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], m.Major)
	binary.LittleEndian.PutUint32(b[4:], m.Minor)
	binary.LittleEndian.PutUint32(b[8:], m.MinMajor)
	binary.LittleEndian.PutUint32(b[12:], m.MinMinor)
}

// ParseHello decodes a hello payload.
func ParseHello(b []byte) (HelloMessage, error) {
	var m HelloMessage
	if len(b) < HelloMessageLength {
		return m, ErrBadHello
	}
	m.Major = binary.LittleEndian.Uint32(b[0:])
	m.Minor = binary.LittleEndian.Uint32(b[4:])
	m.MinMajor = binary.LittleEndian.Uint32(b[8:])
	m.MinMinor = binary.LittleEndian.Uint32(b[12:])
	return m, nil
}

// Negotiate determines the protocol version to speak with a peer, by
// stepping the peer's advertised major down to its minimum until a
// value inside our own accepted range is found. The minor version is
// adopted from the peer only when the negotiated major equals the
// peer's current major; otherwise it is zero.
//
// minorMismatch reports that the adopted minor differs from ours,
// which is tolerated but worth a warning.
func Negotiate(peer HelloMessage) (major, minor uint32, minorMismatch bool, err error) {
	found := false
	for m := peer.Major; m >= peer.MinMajor; m-- {
		if m >= MinClusterMajorVersion && m <= ClusterMajorVersion {
			major = m
			found = true
			break
		}
		if m == 0 {
			break
		}
	}
	if !found {
		return 0, 0, false, ErrIncompatibleMajor
	}
	if major == peer.Major {
		minor = peer.Minor
		minorMismatch = minor != ClusterMinorVersion
	}
	return major, minor, minorMismatch, nil
}

// EncodeHelloFrame builds a complete handshake frame (header plus
// payload) for the given func id.
func EncodeHelloFrame(funcID int32, sid SessionID) []byte {
	h := NewHeader(funcID, HelloMessageLength, sid, NoSessionMsgSeq)
	buf := make([]byte, h.FrameLen())
	h.EncodeTo(buf)
	hello := LocalHello()
	hello.EncodeTo(buf[MsgHeaderLength:])
	return buf
}
