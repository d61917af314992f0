package rediscli

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_URL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(Config{URL: "redis://" + mr.Addr() + "/2"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, mr.Addr(), client.Options().Addr)
	assert.Equal(t, 2, client.Options().DB)
}

func TestNewClient_Addr(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
}

func TestOpen_BadURL(t *testing.T) {
	_, err := Open(Config{URL: "http://nope"})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(Config{Addr: addr})
	assert.Error(t, err)
}
