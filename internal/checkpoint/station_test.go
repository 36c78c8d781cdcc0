package checkpoint

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStationCollapseOrder(t *testing.T) {
	s := NewStation()
	s.LoadValue(7)
	s.LoadMem([]byte("abc"))
	s.LoadMem([]byte("def"))

	assert.Equal(t, uint64(8+3+3), s.ByteSize())
	assert.Equal(t, 3, s.NbChunks())

	collapsed := s.Collapse()
	assert.Equal(t, []byte{7, 0, 0, 0, 0, 0, 0, 0, 'a', 'b', 'c', 'd', 'e', 'f'}, collapsed)

	s.Clear()
	assert.Equal(t, uint64(0), s.ByteSize())
	assert.Equal(t, 0, s.NbChunks())
}

func TestStationFileRoundTrip(t *testing.T) {
	s := NewStation()
	// a compressible chunk and an incompressible one
	big := bytes.Repeat([]byte("checkpoint"), 1000)
	s.LoadMem(big)
	random := make([]byte, 257)
	for i := range random {
		random[i] = byte(i*31 + 7)
	}
	s.LoadMem(random)

	path := filepath.Join(t.TempDir(), "station.img")
	require.NoError(t, s.CollapseToFile(path))

	got, err := ReadImage(path)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, big...), random...), got)
}

func TestDecodeTruncated(t *testing.T) {
	s := NewStation()
	s.LoadMem([]byte("payload-payload-payload"))
	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)

	_, err = Decode(buf.Bytes()[:buf.Len()-2])
	assert.Error(t, err)

	_, err = Decode(buf.Bytes()[:4])
	assert.Error(t, err)
}

func TestDecodeEmpty(t *testing.T) {
	got, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
