// Package statemachine owns the authoritative lifecycle state of every plugin
// instance. Transitions of one instance are serialized; different instances
// transition independently.
package statemachine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/events"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/logging"
)

const DefaultHistoryLimit = 100

type Options struct {
	HistoryLimit  int
	EventCapacity int
}

type record struct {
	state     State
	enteredAt time.Time
	history   []TransitionResult // oldest first, trimmed to the limit
	mutex     sync.Mutex
}

// Machine tracks lifecycle state for all instances
type Machine struct {
	records      cmap.ConcurrentMap[string, *record]
	broker       *events.Broker[Event]
	historyLimit int
	logger       logging.Logger

	totalTransitions  atomic.Uint64
	failedTransitions atomic.Uint64
	lastTransition    atomic.Int64
}

func NewMachine(options Options, logger logging.Logger) *Machine {
	if options.HistoryLimit <= 0 {
		options.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Machine{
		records:      cmap.New[*record](),
		broker:       events.NewBroker[Event]("statemachine", options.EventCapacity, logger),
		historyLimit: options.HistoryLimit,
		logger:       logger,
	}
}

// AddInstance creates a record in the discovered state
func (m *Machine) AddInstance(id string) error {
	if id == "" {
		return errors.NewValidationError("instance ID cannot be empty", nil)
	}

	now := time.Now()
	if !m.records.SetIfAbsent(id, &record{state: StateDiscovered, enteredAt: now}) {
		return errors.NewConflictError("instance already tracked", nil).WithContext("instance_id", id)
	}

	m.logger.Debugf("Instance added, id: %s, state: %s", id, StateDiscovered)
	m.broker.Publish(Event{Type: EventInstanceAdded, InstanceID: id, Timestamp: now})
	return nil
}

func (m *Machine) RemoveInstance(id string) error {
	if _, exists := m.records.Pop(id); !exists {
		return errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}

	m.logger.Debugf("Instance removed, id: %s", id)
	m.broker.Publish(Event{Type: EventInstanceRemoved, InstanceID: id, Timestamp: time.Now()})
	return nil
}

// Transition applies t to the instance. A transition not allowed from the
// current state leaves the state unchanged, is recorded as a failed attempt and
// returns an InvalidTransition error.
func (m *Machine) Transition(id string, t Transition, reason string) (TransitionResult, error) {
	rec, exists := m.records.Get(id)
	if !exists {
		return TransitionResult{}, errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}

	rec.mutex.Lock()
	now := time.Now()
	from := rec.state
	result := TransitionResult{
		InstanceID: id,
		Transition: t,
		From:       from,
		Reason:     reason,
		Timestamp:  now,
		Duration:   now.Sub(rec.enteredAt),
	}

	to, allowed := Target(from, t)
	if allowed {
		result.To = to
		result.Success = true
		rec.state = to
		rec.enteredAt = now
	} else {
		result.To = from
		result.Error = fmt.Sprintf("transition %s not allowed from state %s", t, from)
	}
	m.appendHistory(rec, result)
	rec.mutex.Unlock()

	m.totalTransitions.Add(1)
	m.lastTransition.Store(now.UnixNano())

	if !allowed {
		m.failedTransitions.Add(1)
		m.logger.Warnf("Instance state transition rejected, id: %s, transition: %s, state: %s", id, t, from)
		m.broker.Publish(Event{Type: EventTransitionFailed, InstanceID: id, Result: result, Timestamp: now})
		return result, errors.NewInvalidTransitionError(result.Error, nil).
			WithContext("instance_id", id).
			WithContext("current_state", string(from)).
			WithContext("transition", string(t))
	}

	m.logger.Infof("Instance state transition, id: %s, %s->%s, transition: %s", id, from, result.To, t)
	m.broker.Publish(Event{Type: EventTransitionCompleted, InstanceID: id, Result: result, Timestamp: now})
	return result, nil
}

// Fail moves the instance to the error state from any state
func (m *Machine) Fail(id string, message string) (TransitionResult, error) {
	return m.Transition(id, TransitionError, message)
}

func (m *Machine) appendHistory(rec *record, result TransitionResult) {
	rec.history = append(rec.history, result)
	if overflow := len(rec.history) - m.historyLimit; overflow > 0 {
		rec.history = append(rec.history[:0:0], rec.history[overflow:]...)
	}
}

func (m *Machine) GetState(id string) (State, error) {
	rec, exists := m.records.Get(id)
	if !exists {
		return "", errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}
	rec.mutex.Lock()
	defer rec.mutex.Unlock()
	return rec.state, nil
}

// GetHistory returns up to limit results, most recent first. A non-positive
// limit returns the whole retained history.
func (m *Machine) GetHistory(id string, limit int) ([]TransitionResult, error) {
	rec, exists := m.records.Get(id)
	if !exists {
		return nil, errors.NewNotFoundError("instance not found", nil).WithContext("instance_id", id)
	}

	rec.mutex.Lock()
	defer rec.mutex.Unlock()

	n := len(rec.history)
	if limit > 0 && limit < n {
		n = limit
	}
	history := make([]TransitionResult, 0, n)
	for i := len(rec.history) - 1; i >= 0 && len(history) < n; i-- {
		history = append(history, rec.history[i])
	}
	return history, nil
}

func (m *Machine) GetAllStates() map[string]State {
	states := make(map[string]State, m.records.Count())
	for id, rec := range m.records.Items() {
		rec.mutex.Lock()
		states[id] = rec.state
		rec.mutex.Unlock()
	}
	return states
}

// GetInstancesByState returns the sorted IDs of instances in the given state
func (m *Machine) GetInstancesByState(state State) []string {
	var ids []string
	for id, s := range m.GetAllStates() {
		if s == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Machine) CanTransition(id string, t Transition) bool {
	state, err := m.GetState(id)
	if err != nil {
		return false
	}
	_, allowed := Target(state, t)
	return allowed
}

// AllowedTransitions lists the transitions valid from the current state
func (m *Machine) AllowedTransitions(id string) ([]Transition, error) {
	state, err := m.GetState(id)
	if err != nil {
		return nil, err
	}

	var allowed []Transition
	for t := range transitionTable {
		if _, ok := Target(state, t); ok {
			allowed = append(allowed, t)
		}
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed, nil
}

func (m *Machine) Metrics() Metrics {
	states := m.GetAllStates()
	counts := make(map[State]int)
	for _, s := range states {
		counts[s]++
	}

	metrics := Metrics{
		TotalInstances:    len(states),
		TotalTransitions:  m.totalTransitions.Load(),
		FailedTransitions: m.failedTransitions.Load(),
		StateCounts:       counts,
	}
	if last := m.lastTransition.Load(); last != 0 {
		metrics.LastTransition = time.Unix(0, last)
	}
	return metrics
}

func (m *Machine) Subscribe() *events.Subscription[Event] {
	return m.broker.Subscribe()
}

func (m *Machine) Close() {
	m.broker.Close()
}
