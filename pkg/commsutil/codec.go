package commsutil

import "encoding/json"

// Envelopes cross the wire as JSON. Args and results inside call envelopes
// are json.RawMessage, so encoding an envelope never re-encodes user
// payloads.

// EncodePayload serializes an envelope for publishing.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload parses a received message body into the given envelope.
// Subscription handlers treat a failure as a malformed message and drop it.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
