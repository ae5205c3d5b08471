package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	a, b := generateAPIKey(), generateAPIKey()
	assert.True(t, strings.HasPrefix(a, "cs_key_"))
	assert.Len(t, a, len("cs_key_")+48)
	assert.NotEqual(t, a, b)
}

func TestHashAPIKey(t *testing.T) {
	assert.Equal(t, hashAPIKey("cs_key_x"), hashAPIKey("cs_key_x"))
	assert.NotEqual(t, hashAPIKey("cs_key_x"), hashAPIKey("cs_key_y"))
	assert.Len(t, hashAPIKey("anything"), 64)
}

func TestCreatedAt(t *testing.T) {
	got, err := createdAt("2026-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), got)

	now, err := createdAt("")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, 2*time.Second)

	_, err = createdAt("yesterday")
	assert.Error(t, err)
}
