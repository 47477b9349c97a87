// Package backend holds the generation backend contract helpers shared by
// the concrete invokers.
package backend

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/rinat3636/mybottg/internal/domain"
)

// minResultBytes rejects obviously truncated artifacts.
const minResultBytes = 1024

// ValidateResult checks that the backend produced a plausible artifact for
// the job kind: big enough, and the right media class (image vs video).
func ValidateResult(data []byte, kind domain.JobKind) error {
	if len(data) < minResultBytes {
		return fmt.Errorf("op=backend.validate size=%d: %w", len(data), domain.ErrBackendInvalid)
	}
	mt := mimetype.Detect(data)
	wantPrefix := "image/"
	if kind.VideoClass() {
		wantPrefix = "video/"
	}
	if !strings.HasPrefix(mt.String(), wantPrefix) {
		return fmt.Errorf("op=backend.validate mime=%s kind=%s: %w", mt.String(), kind, domain.ErrBackendInvalid)
	}
	return nil
}
