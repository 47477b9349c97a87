package backend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rinat3636/mybottg/internal/domain"
)

func pngBytes(size int) []byte {
	data := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	return append(data, bytes.Repeat([]byte{0}, size)...)
}

func mp4Bytes(size int) []byte {
	data := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
	return append(data, bytes.Repeat([]byte{0}, size)...)
}

func TestValidateResultTooSmall(t *testing.T) {
	err := ValidateResult(pngBytes(10), domain.KindEditImage)
	require.ErrorIs(t, err, domain.ErrBackendInvalid)
}

func TestValidateResultImage(t *testing.T) {
	require.NoError(t, ValidateResult(pngBytes(4096), domain.KindEditImage))
	require.NoError(t, ValidateResult(pngBytes(4096), domain.KindGenerateImage))
}

func TestValidateResultVideoKindNeedsVideo(t *testing.T) {
	// An image artifact for a video job is invalid and vice versa.
	require.ErrorIs(t, ValidateResult(pngBytes(4096), domain.KindAnimatePhoto), domain.ErrBackendInvalid)
	require.NoError(t, ValidateResult(mp4Bytes(4096), domain.KindGenerateVideo))
	require.ErrorIs(t, ValidateResult(mp4Bytes(4096), domain.KindEditImage), domain.ErrBackendInvalid)
}
