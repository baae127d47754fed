// Package protocol implements the gridsql wire codec.
//
// A stream starts with the 4-byte Magic sent by each side, followed by
// length-prefixed frames. The length is a big-endian uint32 that does not
// include itself; the payload is a sequence of MessagePack values.
//
//  1. Handshake: the client sends HandshakeRequest, the server answers with
//     Magic + HandshakeResponse. The response either accepts the proposed
//     Version or carries CodeVersionMismatch and the server's own version.
//
//  2. Requests carry an Op and a client-assigned request id. Responses echo
//     the id, so they may arrive in any order.
//
//  3. Row values are typed by column metadata sent ahead of the rows and are
//     decoded with DecodeValue; nothing is inferred from the MessagePack type.
//
// Server-side helpers (DecodeHandshakeRequest, DecodeRequestHeader,
// EncodeResponse, ...) are used by the simulated node in internal/gridtest.
package protocol
