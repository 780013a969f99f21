package stream

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

// Frame event types on the media-stream wire protocol.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
)

// Frame is the envelope for every message on a media-stream socket.
type Frame struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid,omitempty"`
	Start     *StartPayload   `json:"start,omitempty"`
	Media     *MediaPayload   `json:"media,omitempty"`
	DTMF      *DTMFPayload    `json:"dtmf,omitempty"`
	Mark      *MarkPayload    `json:"mark,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// StartPayload announces the stream and carries the correlation ids
// plus the auth material checked before any media is accepted.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio encoding on the socket.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one chunk of base64 audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// DTMFPayload reports a keypad press on the call.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// MarkPayload acknowledges playback of a previously sent mark.
type MarkPayload struct {
	Name string `json:"name"`
}

// DecodeFrame parses one wire message. Unknown event types decode into
// a bare Frame so callers can skip them without failing the socket.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: malformed stream frame: %v", apperrors.ErrStreamError, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: stream frame missing event", apperrors.ErrStreamError)
	}
	f.Raw = data
	return f, nil
}

// EncodeFrame serializes an outbound frame.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: encode stream frame: %v", apperrors.ErrStreamError, err)
	}
	return data, nil
}
