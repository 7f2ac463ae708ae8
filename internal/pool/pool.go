package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Agent describes an execution host. An empty Address means the agent runs
// steps on the scheduler host itself.
type Agent struct {
	ID       string   `json:"id" yaml:"id"`
	Labels   []string `json:"labels,omitempty" yaml:"labels"`
	Capacity int      `json:"capacity,omitempty" yaml:"capacity"`
	Address  string   `json:"address,omitempty" yaml:"address"`
}

// HasLabels is true when the agent label set is a superset of want.
func (a Agent) HasLabels(want []string) bool {
	for _, w := range want {
		found := false
		for _, l := range a.Labels {
			if l == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Status is an observer view of one agent.
type Status struct {
	Agent
	Owner     string    `json:"owner,omitempty"`
	InUse     int       `json:"inUse"`
	IdleSince time.Time `json:"idleSince,omitempty"`
}

// Lease is an exclusive reservation of one capacity slot of an agent.
type Lease struct {
	ID    string
	Agent Agent
	RunID string

	lost     chan struct{}
	evicted  bool
	released bool
}

// Lost is closed when the agent is evicted while the lease is held.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

type record struct {
	agent     Agent
	owner     string
	leases    map[string]*Lease
	idleSince time.Time
}

func (r *record) free() bool {
	return len(r.leases) < r.agent.Capacity
}

// Observer is notified about allocation changes; metrics hook in here.
type Observer interface {
	AgentsChanged(registered, busy int)
	AcquireWaited(d time.Duration, ok bool)
}

// Pool tracks registered agents and hands out leases.
type Pool struct {
	mu       sync.Mutex
	agents   map[string]*record
	changed  chan struct{}
	observer Observer
	now      func() time.Time
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		agents:  make(map[string]*record),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// SetObserver installs o. Call before the pool is shared.
func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

// Register adds an agent. Capacity defaults to 1.
func (p *Pool) Register(a Agent) error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if a.Capacity <= 0 {
		a.Capacity = 1
	}
	a.Labels = append([]string(nil), a.Labels...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[a.ID]; ok {
		return errors.Wrap(ErrAgentExists, a.ID)
	}
	p.agents[a.ID] = &record{
		agent:     a,
		leases:    make(map[string]*Lease),
		idleSince: p.now(),
	}
	logrus.WithField("agent", a.ID).Infof("agent registered labels=%v capacity=%d", a.Labels, a.Capacity)
	p.broadcastLocked()
	return nil
}

// Evict removes an agent. Leases held on it are marked lost so the work
// running there fails instead of hanging.
func (p *Pool) Evict(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[id]
	if !ok {
		return errors.Wrap(ErrUnknownAgent, id)
	}
	delete(p.agents, id)
	for _, l := range rec.leases {
		close(l.lost)
		l.evicted = true
	}
	logrus.WithField("agent", id).Infof("agent evicted with %d active leases", len(rec.leases))
	p.broadcastLocked()
	return nil
}

// Acquire blocks until an agent carrying all labels has a free slot and is
// either unallocated or already owned by runID. Among candidates the one
// idle the longest wins. A non-positive timeout waits until ctx is done.
func (p *Pool) Acquire(ctx context.Context, runID string, labels []string, timeout time.Duration) (*Lease, error) {
	start := p.now()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		if lease := p.reserveLocked(runID, labels); lease != nil {
			p.mu.Unlock()
			p.observeWait(p.now().Sub(start), true)
			return lease, nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			p.observeWait(p.now().Sub(start), false)
			return nil, &AcquireError{Labels: labels, Timeout: timeout}
		case <-ctx.Done():
			p.observeWait(p.now().Sub(start), false)
			return nil, ctx.Err()
		}
	}
}

// reserveLocked is the compare-and-reserve step. p.mu must be held.
func (p *Pool) reserveLocked(runID string, labels []string) *Lease {
	var best *record
	for _, rec := range p.agents {
		if !rec.free() || !rec.agent.HasLabels(labels) {
			continue
		}
		if rec.owner != "" && rec.owner != runID {
			continue
		}
		if best == nil || rec.idleSince.Before(best.idleSince) ||
			(rec.idleSince.Equal(best.idleSince) && rec.agent.ID < best.agent.ID) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}

	lease := &Lease{
		ID:    uuid.NewString(),
		Agent: best.agent,
		RunID: runID,
		lost:  make(chan struct{}),
	}
	best.owner = runID
	best.leases[lease.ID] = lease
	p.notifyLocked()
	return lease
}

// Release returns the lease slot to the pool. Releasing a lease twice fails
// with a ReleaseError. The first release of a lease whose agent was evicted
// succeeds without touching the pool.
func (p *Pool) Release(l *Lease) error {
	if l == nil {
		return &ReleaseError{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.agents[l.Agent.ID]
	if !ok || rec.leases[l.ID] == nil {
		if l.evicted && !l.released {
			l.released = true
			return nil
		}
		return &ReleaseError{AgentID: l.Agent.ID, LeaseID: l.ID}
	}
	delete(rec.leases, l.ID)
	l.released = true
	if len(rec.leases) == 0 {
		rec.owner = ""
		rec.idleSince = p.now()
	}
	p.broadcastLocked()
	return nil
}

// Agents returns the current agent table sorted by id.
func (p *Pool) Agents() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.agents))
	for _, rec := range p.agents {
		st := Status{
			Agent: rec.agent,
			Owner: rec.owner,
			InUse: len(rec.leases),
		}
		st.Labels = append([]string(nil), rec.agent.Labels...)
		if len(rec.leases) == 0 {
			st.IdleSince = rec.idleSince
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owner returns the run currently holding agent id.
func (p *Pool) Owner(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[id]
	if !ok {
		return "", false
	}
	return rec.owner, true
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.notifyLocked()
}

func (p *Pool) notifyLocked() {
	if p.observer == nil {
		return
	}
	busy := 0
	for _, rec := range p.agents {
		if len(rec.leases) > 0 {
			busy++
		}
	}
	p.observer.AgentsChanged(len(p.agents), busy)
}

func (p *Pool) observeWait(d time.Duration, ok bool) {
	if p.observer != nil {
		p.observer.AcquireWaited(d, ok)
	}
}
