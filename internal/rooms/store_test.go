package rooms

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"chatrelay/internal/testutil"
)

func TestMemoryStore_AddRemove(t *testing.T) {
	s := NewMemoryStore()
	c := testutil.NewConn("u1")

	assert.True(t, s.Add(roomOne, c))
	assert.False(t, s.Add(roomOne, c))
	assert.Len(t, s.Members(roomOne), 1)

	assert.True(t, s.Remove(roomOne, c.ID()))
	assert.False(t, s.Remove(roomOne, c.ID()))
	assert.Nil(t, s.Members(roomOne))
}

// A room collected concurrently with an Add must never swallow the member.
func TestMemoryStore_AddRacingCollection(t *testing.T) {
	s := NewMemoryStore()

	for i := 0; i < 200; i++ {
		leaver := testutil.NewConn("leaver")
		joiner := testutil.NewConn("joiner")
		s.Add(roomOne, leaver)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.Remove(roomOne, leaver.ID()) }()
		go func() { defer wg.Done(); s.Add(roomOne, joiner) }()
		wg.Wait()

		members := s.Members(roomOne)
		if assert.Len(t, members, 1) {
			assert.Equal(t, joiner.ID(), members[0].ID())
		}
		s.Remove(roomOne, joiner.ID())
	}
	assert.Equal(t, Stats{}, s.Stats())
}
