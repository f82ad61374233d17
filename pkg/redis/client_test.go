package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	viaURL, err := NewClient(context.Background(), Config{URL: "redis://" + mr.Addr() + "/0", Addr: "ignored:1"}, nil)
	require.NoError(t, err)
	_ = viaURL.Close()
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), Config{}, nil)
	assert.Error(t, err)

	_, err = NewClient(context.Background(), Config{URL: "http://nope"}, nil)
	assert.ErrorContains(t, err, "parse redis url")

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewClient(context.Background(), Config{Addr: addr}, nil)
	assert.ErrorContains(t, err, "redis ping")
}
