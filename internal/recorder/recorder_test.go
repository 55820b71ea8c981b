package recorder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCycle(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(filepath.Join(dir, "rec"))

	assert.False(t, r.SendFrame([]byte("ignored")))

	name, err := r.Start()
	require.NoError(t, err)
	_, err = r.Start()
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	assert.True(t, r.SendFrame([]byte("abc")))
	assert.True(t, r.SendFrame([]byte("defg")))

	stopped, err := r.Stop()
	require.NoError(t, err)
	assert.Equal(t, name, stopped)

	data, err := os.ReadFile(filepath.Join(dir, "rec", name))
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", string(data))

	st := r.GetStatus()
	assert.False(t, st.Recording)
	assert.Equal(t, uint64(2), st.FrameCount)
	assert.Equal(t, uint64(7), st.BytesWritten)

	_, err = r.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.NoError(t, r.Close())
}
