package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cheatcode/arbiter/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiDeliversToEverySink(t *testing.T) {
	first := &recorder{err: errors.New("broker down")}
	second := &recorder{}

	m := NewMulti(metrics.New(), nil)
	m.Add("first", first)
	m.Add("second", second)

	ev := New(TypeAgentActivated, "c1", time.Now())
	err := m.Publish(context.Background(), ev)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	assert.Equal(t, ev.ID, second.events[0].ID)
}

func TestMultiEmpty(t *testing.T) {
	m := NewMulti(nil, nil)
	assert.NoError(t, m.Publish(context.Background(), New(TypeAgentCleared, "c1", time.Now())))
	assert.Equal(t, 0, m.Len())
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New(TypeAgentAssigned, "c1", time.Now())
	b := New(TypeAgentAssigned, "c1", time.Now())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, time.UTC, a.OccurredAt.Location())
}
