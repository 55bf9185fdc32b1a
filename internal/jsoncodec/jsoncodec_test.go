package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalMap(t *testing.T) {
	t.Run("decodes objects", func(t *testing.T) {
		m, err := UnmarshalMap([]byte(`{"en-tete":{"domaine":"CoreBackup"},"n":1}`))
		require.NoError(t, err)
		header, ok := m["en-tete"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "CoreBackup", header["domaine"])
		assert.EqualValues(t, 1, m["n"])
	})

	t.Run("rejects non objects", func(t *testing.T) {
		_, err := UnmarshalMap([]byte(`[1,2]`))
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := UnmarshalMap([]byte(`not json`))
		assert.Error(t, err)
	})
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]string{"a": "b"}))
	assert.JSONEq(t, `{"a":"b"}`, buf.String())
}
