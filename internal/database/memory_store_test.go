package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTrustStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.AddTrustedPeer(ctx, &TrustedCertificate{Thumbprint: "AA", Subject: "CN=plc-1"}))
	require.NoError(t, store.AddTrustedPeer(ctx, &TrustedCertificate{Thumbprint: "BB", Subject: "CN=plc-2"}))
	assert.Equal(t, 2, store.Count())

	trusted, err := store.IsTrusted(ctx, "AA")
	require.NoError(t, err)
	assert.True(t, trusted)

	require.NoError(t, store.RemoveTrustedPeer(ctx, "AA"))
	trusted, err = store.IsTrusted(ctx, "AA")
	require.NoError(t, err)
	assert.False(t, trusted)

	_, err = store.IsTrusted(ctx, "")
	assert.ErrorIs(t, err, ThumbprintEmptyError)
	assert.ErrorIs(t, store.AddTrustedPeer(ctx, &TrustedCertificate{}), ThumbprintEmptyError)
}
