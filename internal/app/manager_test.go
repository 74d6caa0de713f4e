package app_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weighsplit/internal/adapter/memory"
	"weighsplit/internal/app"
	"weighsplit/internal/domain"
)

func TestManager_Apply(t *testing.T) {
	source := &mockSource{current: "80"}
	host := &mockHost{}
	m := app.NewManager(app.Deps{
		Documents: memory.New(),
		Source:    source,
		Host:      host,
	})
	ctx := context.Background()

	a := domain.Instance{Name: "Bathroom", Source: "sensor.scale", Threshold: 10}
	b := domain.Instance{Name: "Guest Bath", Source: "sensor.guest", Threshold: 5}

	require.NoError(t, m.Apply(ctx, []domain.Instance{b, a}))
	assert.Equal(t, []domain.Instance{a, b}, m.Instances())

	first, ok := m.Dispatcher("Bathroom")
	require.True(t, ok)

	// Unchanged instances keep their dispatcher; changed ones restart.
	b.Threshold = 7.5
	require.NoError(t, m.Apply(ctx, []domain.Instance{a, b}))
	again, _ := m.Dispatcher("Bathroom")
	assert.Same(t, first, again)
	guest, ok := m.Dispatcher("guest bath")
	require.True(t, ok)
	assert.Equal(t, 7.5, guest.Instance().Threshold)

	require.NoError(t, m.Stop(ctx))
	assert.Empty(t, m.Instances())
}

func TestManager_ApplyReportsBadInstances(t *testing.T) {
	m := app.NewManager(app.Deps{
		Documents: memory.New(),
		Source:    &mockSource{},
		Host:      &mockHost{},
	})

	err := m.Apply(context.Background(), []domain.Instance{
		{Name: "Broken", Source: "sensor.x", Threshold: 0},
		{Name: "Fine", Source: "sensor.y", Threshold: 10},
	})
	assert.ErrorIs(t, err, app.ErrInvalidThreshold)
	assert.Len(t, m.Instances(), 1)
}

func TestManager_RetriesFailedStart(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, app.NewRosterStore(store, nil).Save(ctx, bathroom.Name, []domain.PersonRecord{
		{Name: "Person 1"}, {Name: "Person 2"},
	}))

	var gets atomic.Int32
	docs := &mockDocs{
		getFn: func(ctx context.Context, key string) ([]byte, error) {
			if key == app.RosterKey(bathroom.Name) && gets.Add(1) == 1 {
				return nil, errors.New("db down")
			}
			return store.Get(ctx, key)
		},
		putFn: store.Put,
	}
	source := &mockSource{current: "80"}
	m := app.NewManager(app.Deps{
		Documents: docs,
		Source:    source,
		Host:      &mockHost{},
	}, app.WithRetryBackoff(time.Millisecond, 10*time.Millisecond))

	err := m.Apply(ctx, []domain.Instance{bathroom})
	require.Error(t, err)
	assert.Empty(t, m.Instances())

	assert.Eventually(t, func() bool {
		_, ok := m.Dispatcher(bathroom.Name)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	d, _ := m.Dispatcher(bathroom.Name)
	assert.Equal(t, []string{"Person 1", "Person 2"}, names(d.Subjects()))
	persons, err := app.NewRosterStore(store, nil).Load(ctx, bathroom.Name)
	require.NoError(t, err)
	assert.Len(t, persons, 2, "the durable roster must not be overwritten")

	// Re-applying the same config keeps the recovered dispatcher.
	require.NoError(t, m.Apply(ctx, []domain.Instance{bathroom}))
	again, _ := m.Dispatcher(bathroom.Name)
	assert.Same(t, d, again)

	require.NoError(t, m.Stop(ctx))
	assert.Empty(t, m.Instances())
}

func TestManager_RemovedInstanceStopsRetrying(t *testing.T) {
	var gets atomic.Int32
	docs := &mockDocs{
		getFn: func(context.Context, string) ([]byte, error) {
			gets.Add(1)
			return nil, errors.New("db down")
		},
	}
	m := app.NewManager(app.Deps{
		Documents: docs,
		Source:    &mockSource{},
		Host:      &mockHost{},
	}, app.WithRetryBackoff(time.Millisecond, 5*time.Millisecond))
	ctx := context.Background()

	require.Error(t, m.Apply(ctx, []domain.Instance{bathroom}))
	assert.Eventually(t, func() bool { return gets.Load() >= 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, m.Stop(ctx))
	settled := gets.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, gets.Load())
	assert.Empty(t, m.Instances())
}
