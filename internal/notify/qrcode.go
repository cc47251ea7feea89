package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

const qrImageSize = 300

// RenderArtifact encodes code as a PNG login artifact valid for ttl.
func RenderArtifact(code string, ttl time.Duration) (*Artifact, error) {
	if code == "" {
		return nil, fmt.Errorf("empty login code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to render login code: %w", err)
	}
	return &Artifact{
		ID:        uuid.New().String(),
		Code:      code,
		PNG:       png,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
