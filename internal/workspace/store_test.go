package workspace

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreate(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute})

	ws, created := s.GetOrCreate("")
	require.True(t, created)
	_, err := uuid.Parse(ws.ID)
	require.NoError(t, err)
	require.NotNil(t, ws.Orchestrator)

	again, created := s.GetOrCreate(ws.ID)
	assert.False(t, created)
	assert.Same(t, ws, again)
	assert.Equal(t, 1, s.Len())
}

func TestGetOrCreate_ReplacesMalformedID(t *testing.T) {
	s := NewStore(Options{TTL: time.Minute})

	ws, created := s.GetOrCreate("not-a-uuid")
	require.True(t, created)
	assert.NotEqual(t, "not-a-uuid", ws.ID)

	// An unknown but valid id is kept so the client's cookie stays stable.
	id := uuid.NewString()
	ws, created = s.GetOrCreate(id)
	require.True(t, created)
	assert.Equal(t, id, ws.ID)
}

func TestGetAndExpire(t *testing.T) {
	s := NewStore(Options{TTL: 20 * time.Millisecond})

	ws, _ := s.GetOrCreate("")
	got, ok := s.Get(ws.ID)
	require.True(t, ok)
	assert.Same(t, ws, got)

	time.Sleep(60 * time.Millisecond)
	_, ok = s.Get(ws.ID)
	assert.False(t, ok)

	_, ok = s.Get("")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	s := NewStore(Options{})
	ws, _ := s.GetOrCreate("")
	s.Delete(ws.ID)
	_, ok := s.Get(ws.ID)
	assert.False(t, ok)
}
