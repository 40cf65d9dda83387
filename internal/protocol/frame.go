package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is the batched transport payload: {"messages":[...]}.
type Frame struct {
	Messages []json.RawMessage `json:"messages"`
}

// EncodeFrame serializes messages into one frame.
func EncodeFrame(messages []json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{Messages: messages})
}

// DecodeFrame splits a transport payload into individual messages. Payloads
// without a "messages" array are treated as a single unbatched message.
func DecodeFrame(payload []byte) ([]json.RawMessage, error) {
	payload = bytes.TrimSpace(payload)
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
	}
	raw, ok := probe["messages"]
	if !ok {
		return []json.RawMessage{json.RawMessage(payload)}, nil
	}
	// appendMessagesToSubfeed also carries "messages"; only a frame has no type.
	if _, typed := probe["type"]; typed {
		return []json.RawMessage{json.RawMessage(payload)}, nil
	}
	var msgs []json.RawMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("%w: frame messages: %v", ErrMalformed, err)
	}
	return msgs, nil
}
