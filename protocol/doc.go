// Package protocol implements the envelopes, message catalogue and framing
// that conduit peers use to talk to each other over a single byte stream.
//
// This protocol aims to be
//
// - transport agnostic: any ordered, reliable duplex stream will do (process
//   stdio, a TCP socket)
// - multiplexed: many requests can be in flight on one stream
// - cheap to frame: a length header, then the encoded envelope
//
// - `Envelope` - one framed unit of wire traffic.
// - `Payload`  - the concrete message an envelope carries (e.g. ReadFile, Pong).
// - `Sentinel` - an envelope with no payload that answers a request id. It means
//                "no more responses will come for that request".
//
// === Framing
//
//   ```
//     frame := u32_le(len(body)) ++ body
//     body  := cbor(Envelope)
//   ```
//
// A body may be empty, that decodes to an empty envelope. Bodies larger than
// MaxMessageLen are rejected before anything is allocated for them.
//
// === Correlation
//
// Every envelope has an id that increases with each message a side sends. A
// response carries the id of the request it answers in `responding_to` (and,
// for the collaboration layer, in `response_data` along with whether it is the
// last message of the response).
//
//   ```
//     > {id: 7, payload: {ReadFile: {path: "/etc/hosts"}}}
//     < {id: 3, responding_to: 7, payload: {String: {value: "..."}}}
//   ```
//
// Streamed responses repeat `responding_to` and finish with a sentinel
//
//   ```
//     > {id: 8, payload: {ReadDir: {path: "/tmp"}}}
//     < {id: 4, responding_to: 8, payload: {String: {value: "/tmp/a.txt"}}}
//     < {id: 5, responding_to: 8, payload: {String: {value: "/tmp/b.txt"}}}
//     < {id: 6, responding_to: 8}
//   ```
//
// Messages that expect no answer are marked `one_way`. The receiver never
// responds to them, whether or not it knows how to handle them.
//
// === Processes
//
// A Spawn request starts a process on the peer. Its output streams back as
// ProcessEvent responses, the last one carrying the exit status. Input goes
// in with ProcessInput naming the Spawn request's id, and a Cancel for that
// id kills the process.
//
// === Error responses
//
//   ```
//     < {id: 9, responding_to: 8, payload: {Error: {code: 2, tags: [], message: "not found"}}}
//   ```
//
// === Encoding
//
// Envelopes are CBOR maps with small integer keys. The payload is a map with
// exactly one entry whose key names the variant, like a protobuf oneof.
package protocol
