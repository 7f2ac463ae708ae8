package trigger

import (
	"context"
	"sort"
	"sync"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"stagerun/internal/core"
)

// Triggerer starts runs; *core.Scheduler satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, pipeline string, params map[string]string) (string, error)
}

// Cron fires the cron triggers declared in pipeline definitions. The
// schedule is rebuilt whenever a pipeline is (re)registered, so replaced
// definitions never fire twice.
type Cron struct {
	mu      sync.Mutex
	t       Triggerer
	graphs  map[string]*core.Graph
	job     *cron.Cron
	running bool
}

func New(t Triggerer) *Cron {
	return &Cron{t: t, graphs: make(map[string]*core.Graph), job: cron.New()}
}

// Set registers or replaces the triggers of g.
func (c *Cron) Set(g *core.Graph) error {
	for _, t := range g.Triggers {
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[g.Name] = g
	return c.rebuildLocked()
}

// Entries counts scheduled triggers.
func (c *Cron) Entries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.job.Entries())
}

func (c *Cron) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.job.Start()
}

func (c *Cron) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.job.Stop()
}

func (c *Cron) rebuildLocked() error {
	next := cron.New()
	names := make([]string, 0, len(c.graphs))
	for name := range c.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, t := range c.graphs[name].Triggers {
			schedule, err := cron.ParseStandard(t.Cron)
			if err != nil {
				return err
			}
			next.Schedule(schedule, cron.FuncJob(c.fire(name, t.Cron, t.Parameters)))
		}
	}
	if c.running {
		c.job.Stop()
		next.Start()
	}
	c.job = next
	return nil
}

func (c *Cron) fire(pipeline, spec string, params map[string]string) func() {
	return func() {
		bound := make(map[string]string, len(params))
		for k, v := range params {
			bound[k] = v
		}
		log := logrus.WithFields(logrus.Fields{"pipeline": pipeline, "cron": spec})
		id, err := c.t.Trigger(context.Background(), pipeline, bound)
		if err != nil {
			log.WithError(err).Error("scheduled trigger failed")
			return
		}
		log.WithField("run", id).Info("scheduled run triggered")
	}
}
