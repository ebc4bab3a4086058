package objectstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixtureClient_GetReturnsRegisteredBytes(t *testing.T) {
	client := NewFixtureClient(map[string][]byte{"session-1/image-1.png": []byte("bytes")})

	data, err := client.Get(context.Background(), "session-1/image-1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestFixtureClient_GetMissingKeyReturnsNotFound(t *testing.T) {
	client := NewFixtureClient(nil)

	_, err := client.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFixtureClient_PutRegistersObjectOnUninitializedMap(t *testing.T) {
	client := &FixtureClient{}
	client.Put("key", []byte("value"))

	data, err := client.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), data)
}
