package metadb

import (
	"time"

	ttsbridge "github.com/wolfeidau/tts-bridge"
)

var (
	bucketIdentity = []byte("identity")
	bucketCatalog  = []byte("catalog")

	keyCredential = []byte("cubeToken")
	keyEngine     = []byte("engine")
	keyAudioList  = []byte("audioList")
)

// Credential is the access token issued by the device bridge.
// An empty Token marks a credential that was cleared at the start of a
// refresh and never replaced.
type Credential struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updateTime"`
}

// Valid reports whether the credential carries a token.
func (c *Credential) Valid() bool {
	return c != nil && c.Token != ""
}

// Engine is the speech engine registration held by the bridge.
type Engine struct {
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// AudioRecord is one entry of the durable audio catalog.
type AudioRecord struct {
	ID        string           `json:"id"`
	Filename  string           `json:"filename"`
	Label     string           `json:"label"`
	Text      string           `json:"text"`
	Language  string           `json:"language"`
	CreatedAt time.Time        `json:"createdAt"`
	Size      int64            `json:"size,omitempty"`
	Digest    ttsbridge.Digest `json:"digest"`
}
