package recorder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := FileStorage{}

	rel, err := s.Store(ctx, Output{Name: "raw", Value: []byte("abc")}, dir)
	require.NoError(t, err)
	assert.Equal(t, "raw", rel)

	rel, err = s.Store(ctx, Output{Name: "img", Filename: "sub/img.fits", Value: bytes.NewBufferString("FITS")}, dir)
	require.NoError(t, err)
	assert.Equal(t, "sub/img.fits", rel)
	data, err := os.ReadFile(filepath.Join(dir, "sub", "img.fits"))
	require.NoError(t, err)
	assert.Equal(t, "FITS", string(data))

	rel, err = s.Store(ctx, Output{Name: "params", Value: map[string]any{"n": 3}}, dir)
	require.NoError(t, err)
	assert.Equal(t, "params.json", rel)

	_, err = s.Store(ctx, Output{Name: "evil", Filename: "../evil", Value: []byte("x")}, dir)
	require.Error(t, err)
}
