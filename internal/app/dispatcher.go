package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"weighsplit/internal/domain"
	"weighsplit/internal/metric"
)

// NewPersonTitle is the title of the notification sent when a new subject appears.
const NewPersonTitle = "A new person has weighed themselves"

// sideEffectTimeout bounds registration, persistence and notification of one
// event. They do not inherit the caller's cancellation.
const sideEffectTimeout = 10 * time.Second

// Deps are the collaborators of a Dispatcher. Notifier and Metrics are optional.
type Deps struct {
	Documents domain.DocumentStore
	Source    domain.ReadingSource
	Host      domain.EntityHost
	Notifier  domain.Notifier
	Metrics   *metric.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Dispatcher drives one instance: it feeds source state changes through the
// classifier and performs the side effects of each outcome.
//
// All mutation happens while holding mu, so events of one instance are
// processed one at a time in arrival order.
type Dispatcher struct {
	inst    domain.Instance
	deps    Deps
	roster  *RosterStore
	states  *SubjectStateStore
	log     *slog.Logger
	metrics *metric.Metrics

	mu         sync.Mutex
	classifier *Classifier
	entityIDs  map[string]string
	sub        domain.Subscription
	started    bool
	stopped    bool

	// pendingNotify holds subjects created while the host was unavailable
	// whose notification is still owed.
	pendingNotify map[string]bool
	rosterDirty   bool

	stopOnce sync.Once
	stopErr  error
}

// NewDispatcher creates a dispatcher for inst. Start must be called before it
// processes any event.
func NewDispatcher(inst domain.Instance, deps Deps) (*Dispatcher, error) {
	if deps.Documents == nil || deps.Source == nil || deps.Host == nil {
		return nil, errors.New("dispatcher needs a document store, a source and an entity host")
	}
	c, err := NewClassifier(inst.Name, inst.Threshold)
	if err != nil {
		return nil, errors.Wrapf(err, "instance %q", inst.Name)
	}
	states, err := NewSubjectStateStore(deps.Documents)
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metric.New(nil)
	}
	log := deps.Logger.With("instance", inst.Name, "source", inst.Source)

	return &Dispatcher{
		inst:       inst,
		deps:       deps,
		roster:     NewRosterStore(deps.Documents, log),
		states:     states,
		log:        log,
		metrics:    m,
		classifier: c,
		entityIDs:  make(map[string]string),

		pendingNotify: make(map[string]bool),
	}, nil
}

// Instance returns the configuration the dispatcher runs with.
func (d *Dispatcher) Instance() domain.Instance {
	return d.inst
}

// Start reconciles the persisted roster, seeds the first subject when the
// roster is empty and the source already has a value, and subscribes to the
// source.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.New("dispatcher already stopped")
	}
	if d.started {
		return nil
	}

	persons, err := d.roster.Load(ctx, d.inst.Name)
	if err != nil {
		return err
	}

	for _, p := range persons {
		s := domain.NewSubject(d.inst.Name, p.Name)
		if err := d.classifier.Adopt(s); err != nil {
			d.log.Warn("ignoring duplicate roster entry", "person", p.Name, "error", err)
			continue
		}
		d.restore(ctx, s)
		entityID, err := d.deps.Host.Register(ctx, s.Snapshot())
		if err != nil {
			return errors.Wrapf(err, "register %s", s.ID())
		}
		d.entityIDs[s.ID()] = entityID
	}

	if len(persons) == 0 {
		d.seed(ctx)
	}

	sub, err := d.deps.Source.Subscribe(ctx, d.inst.Source, d.HandleEvent)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", d.inst.Source)
	}
	d.sub = sub
	d.started = true
	d.metrics.SetSubjects(d.inst.Name, d.classifier.Len())

	d.log.Info("dispatcher started", "subjects", d.classifier.Len(), "threshold", d.inst.Threshold)
	return nil
}

// restore loads the persisted history of s. Any failure leaves the history empty.
func (d *Dispatcher) restore(ctx context.Context, s *domain.Subject) {
	st, err := d.states.Load(ctx, s.ID())
	if err != nil {
		d.log.Warn("could not restore subject history", "subject", s.ID(), "error", err)
		return
	}
	if st == nil {
		d.log.Debug("no persisted history", "subject", s.ID())
		return
	}
	if err := s.Restore(st.History); err != nil {
		d.log.Warn("could not restore subject history", "subject", s.ID(), "error", err)
	}
}

// seed creates the first subject from the source's current value so tracking
// does not wait for the next change. It never notifies.
func (d *Dispatcher) seed(ctx context.Context) {
	raw, err := d.deps.Source.Current(ctx, d.inst.Source)
	if err != nil {
		d.log.Warn("could not read current source state", "error", err)
		return
	}
	if !domain.IsKnownState(raw) {
		d.log.Info("source has no value yet, waiting for the first reading")
		return
	}
	r, err := domain.ParseReading(raw, d.deps.Now())
	if err != nil {
		d.log.Warn("ignoring current source state", "state", raw, "error", err)
		return
	}
	res, err := d.classifier.Process(r)
	if err != nil {
		d.log.Warn("ignoring current source state", "state", raw, "error", err)
		return
	}
	d.created(ctx, res.Subject, false)
}

// HandleEvent processes one source state change. Events received before Start
// or after Stop are ignored.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev domain.StateChange) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		d.log.Debug("dropping event outside of the dispatcher lifetime", "new_state", ev.NewState)
		return
	}

	start := time.Now()
	d.metrics.RecordReceived(d.inst.Name)

	// Side effects outlive the sender's context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	r, err := domain.ParseReading(ev.NewState, d.deps.Now())
	if err != nil {
		reason := "malformed"
		if !domain.IsKnownState(ev.NewState) {
			reason = "unknown_state"
		}
		d.metrics.RecordDropped(d.inst.Name, reason)
		d.log.Warn("dropping reading", "state", ev.NewState, "reason", reason, "error", err)
		return
	}

	wasEmpty := d.classifier.Len() == 0
	res, err := d.classifier.Process(r)
	if err != nil {
		d.metrics.RecordDropped(d.inst.Name, "malformed")
		d.log.Warn("dropping reading", "state", ev.NewState, "error", err)
		return
	}
	for _, id := range res.Skipped {
		d.log.Warn("subject has no current value, skipped", "subject", id)
	}

	switch res.Outcome {
	case Matched:
		d.metrics.RecordMatched(d.inst.Name)
		d.log.Debug("reading matched", "subject", res.Subject.ID(), "value", r.Value)
		snap := res.Subject.Snapshot()
		if d.rosterDirty {
			d.saveRoster(ctx)
		}
		d.saveState(ctx, snap)
		if _, ok := d.entityIDs[snap.ID]; !ok {
			d.heal(ctx, snap)
		} else if err := d.deps.Host.Update(ctx, snap); err != nil {
			d.log.Warn("could not update entity", "subject", snap.ID, "error", err)
		}
	case Created:
		// The very first reading of a fresh roster is bootstrap, not discovery.
		bootstrap := wasEmpty && !domain.IsKnownState(ev.OldState)
		d.created(ctx, res.Subject, !bootstrap)
	}

	d.metrics.RecordProcessingDuration(d.inst.Name, res.Outcome.String(), time.Since(start))
}

// created performs the side effects of a new subject in order: register the
// entity, persist the roster, persist the state, then notify.
func (d *Dispatcher) created(ctx context.Context, s *domain.Subject, notify bool) {
	d.metrics.RecordCreated(d.inst.Name)
	d.metrics.SetSubjects(d.inst.Name, d.classifier.Len())
	snap := s.Snapshot()

	entityID, err := d.deps.Host.Register(ctx, snap)
	if err != nil {
		d.log.Error("could not register entity", "subject", snap.ID, "error", err)
		if notify {
			d.pendingNotify[snap.ID] = true
		}
	} else {
		d.entityIDs[snap.ID] = entityID
	}

	d.saveRoster(ctx)
	d.saveState(ctx, snap)

	d.log.Info("new subject", "subject", snap.ID, "name", snap.Name, "entity", entityID, "notify", notify)
	if notify && entityID != "" {
		d.notify(ctx, snap, entityID)
	}
}

// heal registers a subject whose registration failed earlier and sends the
// notification it is still owed.
func (d *Dispatcher) heal(ctx context.Context, snap domain.SubjectSnapshot) {
	entityID, err := d.deps.Host.Register(ctx, snap)
	if err != nil {
		d.log.Error("could not register entity", "subject", snap.ID, "error", err)
		return
	}
	d.entityIDs[snap.ID] = entityID
	d.log.Info("entity registered late", "subject", snap.ID, "entity", entityID)
	if d.pendingNotify[snap.ID] {
		delete(d.pendingNotify, snap.ID)
		d.notify(ctx, snap, entityID)
	}
}

func (d *Dispatcher) notify(ctx context.Context, snap domain.SubjectSnapshot, entityID string) {
	if d.deps.Notifier == nil {
		return
	}
	n := domain.Notification{
		ID:        uuid.NewString(),
		Instance:  d.inst.Name,
		SubjectID: snap.ID,
		EntityID:  entityID,
		Title:     NewPersonTitle,
		Link:      "/api/entities/" + entityID,
		CreatedAt: d.deps.Now().UTC(),
	}
	n.Message = fmt.Sprintf("%s was created on %s. Configure the new sensor here: %s", snap.Name, d.inst.Name, n.Link)

	err := d.deps.Notifier.Notify(ctx, n)
	d.metrics.RecordNotification(d.inst.Name, err == nil)
	if err != nil {
		d.log.Warn("could not deliver notification", "subject", snap.ID, "error", err)
	}
}

// saveRoster persists the roster. A failed save is retried on the next event.
func (d *Dispatcher) saveRoster(ctx context.Context) {
	subjects := d.classifier.Subjects()
	persons := make([]domain.PersonRecord, 0, len(subjects))
	for _, sub := range subjects {
		persons = append(persons, domain.PersonRecord{Name: sub.Name()})
	}
	if err := d.roster.Save(ctx, d.inst.Name, persons); err != nil {
		d.rosterDirty = true
		d.metrics.RecordPersistenceFailure(d.inst.Name, "roster")
		d.log.Error("could not persist roster", "error", err)
		return
	}
	d.rosterDirty = false
}

func (d *Dispatcher) saveState(ctx context.Context, snap domain.SubjectSnapshot) {
	if err := d.states.Save(ctx, snap.ID, domain.StateOf(snap)); err != nil {
		d.metrics.RecordPersistenceFailure(d.inst.Name, "state")
		d.log.Error("could not persist subject state", "subject", snap.ID, "error", err)
	}
}

// Subjects returns snapshots of the roster in creation order.
func (d *Dispatcher) Subjects() []domain.SubjectSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	subjects := d.classifier.Subjects()
	out := make([]domain.SubjectSnapshot, len(subjects))
	for i, s := range subjects {
		out[i] = s.Snapshot()
	}
	return out
}

// EntityID returns the entity id registered for subjectID.
func (d *Dispatcher) EntityID(subjectID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.entityIDs[subjectID]
	return id, ok
}

// Stop unsubscribes from the source and removes the instance's entities.
// It is safe to call more than once; no event is processed once it returns.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		sub := d.sub
		ids := make([]string, 0, len(d.entityIDs))
		for _, s := range d.classifier.Subjects() {
			if id, ok := d.entityIDs[s.ID()]; ok {
				ids = append(ids, id)
			}
		}
		d.mu.Unlock()

		var errs []error
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, errors.Wrap(err, "unsubscribe"))
			}
		}
		for _, id := range ids {
			if err := d.deps.Host.Remove(ctx, id); err != nil {
				errs = append(errs, errors.Wrapf(err, "remove %s", id))
			}
		}
		d.metrics.Forget(d.inst.Name)
		d.stopErr = stderrors.Join(errs...)
		d.log.Info("dispatcher stopped")
	})
	return d.stopErr
}
