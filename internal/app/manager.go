package app

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"weighsplit/internal/domain"
)

// Manager runs one Dispatcher per configured instance. An instance whose
// start fails is retried in the background until it starts or is removed.
type Manager struct {
	deps       Deps
	log        *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
	retrying    map[string]*retry
	wg          sync.WaitGroup
}

type retry struct {
	inst   domain.Instance
	cancel context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetryBackoff sets the delay before the first start retry and the cap the
// doubling delay grows to.
func WithRetryBackoff(initial, limit time.Duration) ManagerOption {
	return func(m *Manager) {
		m.minBackoff = initial
		m.maxBackoff = limit
	}
}

// NewManager creates a Manager whose dispatchers share deps.
func NewManager(deps Deps, opts ...ManagerOption) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:        deps,
		log:         deps.Logger,
		minBackoff:  time.Second,
		maxBackoff:  time.Minute,
		dispatchers: make(map[string]*Dispatcher),
		retrying:    make(map[string]*retry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply reconciles the running dispatchers with instances: removed or changed
// instances are stopped, new or changed ones are started. Unchanged instances
// keep running untouched. Errors of individual instances are joined; an
// instance that fails to start keeps being retried.
func (m *Manager) Apply(ctx context.Context, instances []domain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]domain.Instance, len(instances))
	for _, inst := range instances {
		wanted[inst.IDSafeName()] = inst
	}

	var errs []error
	for key, d := range m.dispatchers {
		if inst, ok := wanted[key]; ok && inst == d.Instance() {
			continue
		}
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, errors.Wrapf(err, "stop %s", d.Instance().Name))
		}
		delete(m.dispatchers, key)
		m.log.Info("instance stopped", "instance", d.Instance().Name)
	}
	for key, r := range m.retrying {
		if inst, ok := wanted[key]; ok && inst == r.inst {
			continue
		}
		r.cancel()
		delete(m.retrying, key)
	}

	for _, inst := range instances {
		key := inst.IDSafeName()
		if _, running := m.dispatchers[key]; running {
			continue
		}
		if _, pending := m.retrying[key]; pending {
			continue
		}
		d, err := NewDispatcher(inst, m.deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Start(ctx); err != nil {
			errs = append(errs, errors.Wrapf(err, "start %s", inst.Name))
			_ = d.Stop(ctx)
			m.scheduleRetry(key, inst)
			continue
		}
		m.dispatchers[key] = d
	}
	return stderrors.Join(errs...)
}

// scheduleRetry keeps starting inst with a doubling delay. m.mu must be held.
func (m *Manager) scheduleRetry(key string, inst domain.Instance) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &retry{inst: inst, cancel: cancel}
	m.retrying[key] = r
	m.log.Warn("instance failed to start, retrying", "instance", inst.Name, "backoff", m.minBackoff)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		delay := m.minBackoff
		for attempt := 1; ; attempt++ {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}

			// A fresh dispatcher per attempt: a failed Start may have adopted
			// part of the roster.
			d, err := NewDispatcher(inst, m.deps)
			if err == nil {
				err = d.Start(ctx)
			}
			if err == nil {
				m.mu.Lock()
				current := m.retrying[key] == r && ctx.Err() == nil
				if current {
					delete(m.retrying, key)
					m.dispatchers[key] = d
				}
				m.mu.Unlock()
				if !current {
					_ = d.Stop(context.Background())
					return
				}
				m.log.Info("instance started after retry", "instance", inst.Name, "attempt", attempt)
				return
			}
			if d != nil {
				_ = d.Stop(context.Background())
			}

			delay = min(delay*2, m.maxBackoff)
			m.log.Warn("instance start retry failed", "instance", inst.Name, "attempt", attempt, "next", delay, "error", err)
		}
	}()
}

// Instances returns the running instances sorted by name.
func (m *Manager) Instances() []domain.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Instance, 0, len(m.dispatchers))
	for _, d := range m.dispatchers {
		out = append(out, d.Instance())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatcher returns the running dispatcher of the named instance.
func (m *Manager) Dispatcher(name string) (*Dispatcher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatchers[domain.Slug(name)]
	return d, ok
}

// Stop stops every dispatcher and cancels pending retries.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.Apply(ctx, nil)
	m.wg.Wait()
	return err
}
