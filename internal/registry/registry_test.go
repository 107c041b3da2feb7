package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filedrop/internal/models"
	"filedrop/internal/notify"
)

type recorded struct {
	target, event string
	payload       any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Notify(target, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{target, event, payload})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestAdmitBroadcastsRoster(t *testing.T) {
	rec := &recorder{}
	r := New(rec, zerolog.Nop())

	d := r.Admit("abcdef123", "", "10.0.0.2")
	assert.Equal(t, "Device_abcdef", d.Name)

	require.Equal(t, 1, rec.count())
	ev := rec.events[0]
	assert.Equal(t, notify.Broadcast, ev.target)
	assert.Equal(t, notify.EventDeviceList, ev.event)
	roster := ev.payload.(map[string]models.Device)
	assert.Contains(t, roster, "abcdef123")
}

func TestAdmitEvictsSameAddress(t *testing.T) {
	r := New(nil, zerolog.Nop())

	r.Admit("a", "laptop", "10.0.0.2")
	r.Admit("b", "phone", "10.0.0.3")
	r.Admit("c", "laptop again", "10.0.0.2")

	_, ok := r.Lookup("a")
	assert.False(t, ok)
	d, ok := r.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, "laptop again", d.Name)
	assert.Equal(t, 2, r.Len())
}

func TestReadmitSameIDKeepsOneEntry(t *testing.T) {
	r := New(nil, zerolog.Nop())
	r.Admit("a", "one", "10.0.0.2")
	r.Admit("a", "two", "10.0.0.2")

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "two", snap["a"].Name)
}

func TestConcurrentAdmitSameAddress(t *testing.T) {
	r := New(nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Admit(fmt.Sprintf("conn-%d", i), "", "192.168.1.7")
		}(i)
	}
	wg.Wait()

	count := 0
	for _, d := range r.Snapshot() {
		if d.Address == "192.168.1.7" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRemove(t *testing.T) {
	rec := &recorder{}
	r := New(rec, zerolog.Nop())
	r.Admit("a", "one", "10.0.0.2")

	r.Remove("missing")
	assert.Equal(t, 1, rec.count(), "removing an unknown id must not broadcast")

	r.Remove("a")
	assert.Equal(t, 2, rec.count())
	_, ok := r.Lookup("a")
	assert.False(t, ok)
	assert.Empty(t, rec.events[1].payload.(map[string]models.Device))
}

// slowRoster delays delivery of small rosters so a later admit can overtake.
type slowRoster struct {
	mu   sync.Mutex
	last map[string]models.Device
}

func (s *slowRoster) Notify(_, _ string, payload any) {
	roster := payload.(map[string]models.Device)
	if len(roster) == 1 {
		time.Sleep(50 * time.Millisecond)
	}
	s.mu.Lock()
	s.last = roster
	s.mu.Unlock()
}

func TestRosterBroadcastsStayOrdered(t *testing.T) {
	sink := &slowRoster{}
	r := New(sink, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Admit("a", "laptop", "10.0.0.2")
	}()
	time.Sleep(10 * time.Millisecond)
	r.Admit("b", "phone", "10.0.0.3")
	wg.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, r.Len(), len(sink.last))
	assert.Len(t, sink.last, 2)
}
