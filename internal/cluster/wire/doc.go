// Package wire defines the binary framing of the cluster transport.
//
// Every message on the wire is a fixed 48-byte little-endian header
// followed by the payload padded to an 8-byte boundary. The header
// carries an operation selector (func id), the true and padded payload
// lengths, the session triple used for response routing, and an
// optional magic number for stream validation.
package wire
