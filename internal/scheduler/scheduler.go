// Package scheduler periodically tests the connection of every enabled
// auto-detect instance, each on its own scan interval.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/portdash/internal/backends"
	"github.com/gluk-w/portdash/internal/database"
	"github.com/gluk-w/portdash/internal/logutil"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultSpec is how often due instances are looked for.
const DefaultSpec = "@every 30s"

const defaultConcurrency = 4

// InstanceLister lists stored instances.
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]database.Instance, error)
}

// ConnectionTester tests one instance. *backends.Manager implements it.
type ConnectionTester interface {
	TestConnection(ctx context.Context, id uint) backends.Result
}

// Check is the latest health check of one instance.
type Check struct {
	Result    backends.Result `json:"result"`
	CheckedAt time.Time       `json:"checked_at"`
}

// Scheduler runs health checks on a cron schedule.
type Scheduler struct {
	lister InstanceLister
	tester ConnectionTester
	spec   string
	cron   *cron.Cron

	// Concurrency bounds parallel checks within one run.
	Concurrency int
	Now         func() time.Time

	mu     sync.Mutex
	checks map[uint]Check
	cancel context.CancelFunc
}

func New(lister InstanceLister, tester ConnectionTester, spec string) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	logger := cron.PrintfLogger(log.Default())
	return &Scheduler{
		lister:      lister,
		tester:      tester,
		spec:        spec,
		cron:        cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		Concurrency: defaultConcurrency,
		Now:         time.Now,
		checks:      make(map[uint]Check),
	}
}

// Start schedules the checks. Stop ends them.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		cancel()
		return err
	}
	s.cron.Start()
	log.Printf("[scheduler] Health checks scheduled (%s)", s.spec)
	return nil
}

// Stop cancels running checks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// RunOnce checks every instance whose scan interval has elapsed since its
// last check and returns how many were checked.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	instances, err := s.lister.ListInstances(ctx)
	if err != nil {
		log.Printf("[scheduler] Failed to list instances: %v", err)
		return 0
	}

	now := s.Now()
	var due []database.Instance
	s.mu.Lock()
	for _, inst := range instances {
		if !inst.Enabled || !inst.AutoDetect {
			continue
		}
		last, ok := s.checks[inst.ID]
		if ok && now.Sub(last.CheckedAt) < time.Duration(inst.ScanInterval)*time.Second {
			continue
		}
		due = append(due, inst)
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Concurrency, 1))
	for _, inst := range due {
		g.Go(func() error {
			res := s.tester.TestConnection(ctx, inst.ID)
			if !res.Success {
				log.Printf("[scheduler] Instance %s (id=%d) unhealthy: %s",
					logutil.SanitizeForLog(inst.Name), inst.ID, logutil.Truncate(res.Message, 300))
			}
			s.mu.Lock()
			s.checks[inst.ID] = Check{Result: res, CheckedAt: s.Now()}
			s.mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return len(due)
}

// LastCheck returns the latest check of instance id.
func (s *Scheduler) LastCheck(id uint) (Check, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checks[id]
	return c, ok
}

// Forget drops the check history of a deleted instance.
func (s *Scheduler) Forget(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checks, id)
}
