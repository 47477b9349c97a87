// Package stub provides a fast, deterministic generation backend for
// local development and tests.
package stub

import (
	"bytes"

	"github.com/rinat3636/mybottg/internal/domain"
)

// Client implements domain.Backend without calling any external service.
type Client struct {
	// Err, when set, is returned from every Invoke.
	Err error
	// Result overrides the default artifact bytes.
	Result []byte
}

// New constructs a stub backend.
func New() *Client { return &Client{} }

// Invoke returns a deterministic artifact sized past the validator's floor.
func (c *Client) Invoke(_ domain.Context, task domain.TaskRecord) ([]byte, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Result != nil {
		return c.Result, nil
	}
	header := pngHeader
	if task.Kind.VideoClass() {
		header = mp4Header
	}
	return append(append([]byte{}, header...), bytes.Repeat([]byte{0x00}, 2048)...), nil
}

// Minimal magic-byte prefixes so mimetype detection classifies the artifact.
var (
	pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	mp4Header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
)
