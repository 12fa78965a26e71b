package bridge

// Header is the envelope header shared by hub directives, responses and
// events sent to the hub.
type Header struct {
	Name      string `json:"name"`
	MessageID string `json:"message_id"`
	Version   string `json:"version"`
}

// Envelope header names.
const (
	HeaderResponse      = "Response"
	HeaderErrorResponse = "ErrorResponse"

	DirectiveSyncAudioList = "SyncTTSAudioList"
	DirectiveSynthesize    = "SynthesizeSpeech"

	EventRegisterEngine = "RegisterTTSEngine"

	EnvelopeVersion = "1"
)

// Error response types.
const (
	ErrorInvalidParameters = "INVALID_PARAMETERS"
	ErrorInvalidDirective  = "INVALID_DIRECTIVE"
	ErrorInternal          = "INTERNAL_ERROR"
)

// ErrorPayload is the payload of an ErrorResponse.
type ErrorPayload struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Message is a header/payload pair in either direction.
type Message[P any] struct {
	Header  Header `json:"header"`
	Payload P      `json:"payload"`
}

// AudioItem is one entry of the play list mirrored by the hub.
type AudioItem struct {
	URL   string `json:"url"`
	Label string `json:"label"`
}
