// Package blob stores synthesized audio where the telephony provider can
// fetch it.
package blob

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("blob: not found")

// Store uploads data under key and returns a URL the provider can fetch.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// NewKey returns a fresh collision free object key with the given extension.
func NewKey(ext string) string {
	return "audio/" + uuid.NewString() + ext
}

// ExtensionFor maps an audio content type to a file extension.
func ExtensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	default:
		return ""
	}
}
