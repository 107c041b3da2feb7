package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:          {StatusAccepted, StatusRejected, StatusError},
		StatusAccepted:         {StatusReadyForDownload, StatusRejected, StatusError},
		StatusReadyForDownload: {StatusCompleted, StatusRejected, StatusError},
	}
	all := []Status{StatusPending, StatusAccepted, StatusRejected, StatusReadyForDownload, StatusCompleted, StatusError}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusReadyForDownload.Terminal())
}

func TestCloneDoesNotShareFiles(t *testing.T) {
	s := Session{ID: "t1", Files: []FileRecord{{RelativePath: "a"}}}
	c := s.Clone()
	c.Files[0].RelativePath = "b"
	c.Files = append(c.Files, FileRecord{RelativePath: "c"})
	assert.Equal(t, "a", s.Files[0].RelativePath)
	assert.Len(t, s.Files, 1)
}
