package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/events"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/kvstore"
	"github.com/JakeFAU/crawl-orchestrator/internal/proxy"
)

// StateKey is the key-value record holding persisted pool state.
const StateKey = "SESSION_POOL_STATE"

// Config bounds pool size and session health.
type Config struct {
	MaxPoolSize         int           `mapstructure:"max_pool_size"`
	MaxUsageCount       int           `mapstructure:"max_usage_count"`
	MaxErrorScore       float64       `mapstructure:"max_error_score"`
	ErrorScoreDecrement float64       `mapstructure:"error_score_decrement"`
	MaxAge              time.Duration `mapstructure:"max_age"`
}

// DefaultConfig returns the standard pool settings.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:         100,
		MaxUsageCount:       50,
		MaxErrorScore:       3,
		ErrorScoreDecrement: 0.5,
		MaxAge:              50 * time.Minute,
	}
}

// Validate rejects settings that would make every session unusable.
func (c Config) Validate() error {
	if c.MaxPoolSize < 1 {
		return fmt.Errorf("%w: session max_pool_size must be >= 1", crawler.ErrValidation)
	}
	if c.MaxUsageCount < 1 {
		return fmt.Errorf("%w: session max_usage_count must be >= 1", crawler.ErrValidation)
	}
	if c.MaxErrorScore <= 0 {
		return fmt.Errorf("%w: session max_error_score must be > 0", crawler.ErrValidation)
	}
	if c.ErrorScoreDecrement < 0 {
		return fmt.Errorf("%w: session error_score_decrement must be >= 0", crawler.ErrValidation)
	}
	if c.MaxAge <= 0 {
		return fmt.Errorf("%w: session max_age must be > 0", crawler.ErrValidation)
	}
	return nil
}

// RetireFunc observes retirements.
type RetireFunc func(s *Session, reason string)

// Pool lends sessions to concurrent workers.
type Pool struct {
	cfg      Config
	clock    crawler.Clock
	ids      crawler.IDGenerator
	proxies  *proxy.Rotator
	store    *kvstore.Store
	logger   *zap.Logger
	onRetire RetireFunc

	mu       sync.Mutex
	sessions map[string]*Session
	changed  chan struct{}
	retired  []retirement
}

type retirement struct {
	session *Session
	reason  string
}

// Option customizes a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(clock crawler.Clock) Option { return func(p *Pool) { p.clock = clock } }

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(ids crawler.IDGenerator) Option { return func(p *Pool) { p.ids = ids } }

// WithProxies pins a proxy from r to every new session.
func WithProxies(r *proxy.Rotator) Option { return func(p *Pool) { p.proxies = r } }

// WithStore enables PersistState and restores saved sessions on construction.
func WithStore(s *kvstore.Store) Option { return func(p *Pool) { p.store = s } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(p *Pool) { p.logger = logger } }

// WithRetireHook registers fn to run after a session is retired.
func WithRetireHook(fn RetireFunc) Option { return func(p *Pool) { p.onRetire = fn } }

// New builds a pool and restores persisted sessions when a store is configured.
func New(ctx context.Context, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:      cfg,
		clock:    system.New(),
		ids:      uuid.WithPrefix("session_"),
		logger:   zap.NewNop(),
		sessions: make(map[string]*Session),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("session_pool")
	if p.store != nil {
		if err := p.restore(ctx); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Acquire borrows a session. New sessions are created until the pool is full;
// after that the least recently used idle session is lent. When every session
// is borrowed Acquire waits for a return or for ctx to end.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		p.mu.Lock()
		now := p.clock.Now()
		p.sweepLocked(now)

		var s *Session
		if len(p.sessions) < p.cfg.MaxPoolSize {
			created, err := p.createLocked(now)
			if err != nil {
				p.unlock()
				return nil, err
			}
			s = created
		} else {
			s = p.leastRecentlyUsedLocked()
		}
		if s != nil {
			s.borrowed = true
			s.UsageCount++
			s.LastUsedAt = now
			p.unlock()
			return s, nil
		}
		wait := p.changed
		p.unlock()

		select {
		case <-ctx.Done():
			return nil, crawler.NewTimeoutError("acquire session", ctx.Err())
		case <-wait:
		}
	}
}

// MarkGood lowers the error score and returns the session.
func (p *Pool) MarkGood(s *Session) {
	p.mu.Lock()
	defer p.unlock()
	s.ErrorScore = max(0, s.ErrorScore-p.cfg.ErrorScoreDecrement)
	p.returnLocked(s)
}

// MarkBad raises the error score and returns the session.
func (p *Pool) MarkBad(s *Session) {
	p.mu.Lock()
	defer p.unlock()
	s.ErrorScore++
	p.returnLocked(s)
}

// Release returns the session without changing its score.
func (p *Pool) Release(s *Session) {
	p.mu.Lock()
	defer p.unlock()
	p.returnLocked(s)
}

// Retire removes the session for good.
func (p *Pool) Retire(s *Session) {
	p.mu.Lock()
	defer p.unlock()
	s.borrowed = false
	p.retireLocked(s, "retired")
}

// Size returns the number of live sessions, borrowed or idle.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Borrowed returns the number of sessions currently lent out.
func (p *Pool) Borrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if s.borrowed {
			n++
		}
	}
	return n
}

// Subscribe persists the pool on every PersistState and Migrating event.
func (p *Pool) Subscribe(bus *events.Bus) (unsubscribe func()) {
	persist := func(ctx context.Context, _ events.Event) error {
		return p.PersistState(ctx)
	}
	offPersist := bus.On(events.PersistState, persist)
	offMigrating := bus.On(events.Migrating, persist)
	return func() {
		offPersist()
		offMigrating()
	}
}

type poolState struct {
	Sessions []Session `json:"sessions"`
}

// PersistState saves usable sessions. Cookie jars are not saved.
func (p *Pool) PersistState(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.mu.Lock()
	now := p.clock.Now()
	state := poolState{Sessions: make([]Session, 0, len(p.sessions))}
	for _, s := range p.sessions {
		if s.Usable(now) {
			cp := *s
			cp.CookieJar = nil
			cp.borrowed = false
			state.Sessions = append(state.Sessions, cp)
		}
	}
	p.mu.Unlock()

	slices.SortFunc(state.Sessions, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if err := p.store.Set(ctx, StateKey, state); err != nil {
		return fmt.Errorf("persist session pool: %w", err)
	}
	return nil
}

func (p *Pool) restore(ctx context.Context) error {
	var state poolState
	ok, err := p.store.Get(ctx, StateKey, &state)
	if err != nil {
		return fmt.Errorf("restore session pool: %w", err)
	}
	if !ok {
		return nil
	}
	now := p.clock.Now()
	for _, saved := range state.Sessions {
		if len(p.sessions) >= p.cfg.MaxPoolSize {
			break
		}
		s := saved
		if !s.Usable(now) {
			continue
		}
		jar, err := newJar()
		if err != nil {
			return err
		}
		s.CookieJar = jar
		if p.proxies != nil {
			p.proxies.Pin(s.ID, s.ProxyURL)
		}
		p.sessions[s.ID] = &s
	}
	p.logger.Info("restored sessions", zap.Int("count", len(p.sessions)))
	return nil
}

func (p *Pool) createLocked(now time.Time) (*Session, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:            id,
		CookieJar:     jar,
		MaxUsageCount: p.cfg.MaxUsageCount,
		MaxErrorScore: p.cfg.MaxErrorScore,
		CreatedAt:     now,
		ExpiresAt:     now.Add(p.cfg.MaxAge),
	}
	if p.proxies != nil {
		s.ProxyURL = p.proxies.URLFor(id)
	}
	p.sessions[id] = s
	return s, nil
}

func (p *Pool) leastRecentlyUsedLocked() *Session {
	var pick *Session
	for _, s := range p.sessions {
		if s.borrowed {
			continue
		}
		if pick == nil || s.LastUsedAt.Before(pick.LastUsedAt) ||
			(s.LastUsedAt.Equal(pick.LastUsedAt) && s.CreatedAt.Before(pick.CreatedAt)) {
			pick = s
		}
	}
	return pick
}

func (p *Pool) sweepLocked(now time.Time) {
	for _, s := range p.sessions {
		if s.borrowed {
			continue
		}
		if reason := s.retireReason(now); reason != "" {
			p.retireLocked(s, reason)
		}
	}
}

func (p *Pool) returnLocked(s *Session) {
	if _, live := p.sessions[s.ID]; !live {
		return
	}
	s.borrowed = false
	if reason := s.retireReason(p.clock.Now()); reason != "" {
		p.retireLocked(s, reason)
		return
	}
	p.notifyLocked()
}

func (p *Pool) retireLocked(s *Session, reason string) {
	if _, live := p.sessions[s.ID]; !live {
		return
	}
	delete(p.sessions, s.ID)
	if p.proxies != nil {
		p.proxies.Release(s.ID)
	}
	p.logger.Debug("session retired",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.Int("usage", s.UsageCount),
		zap.Float64("error_score", s.ErrorScore),
	)
	if p.onRetire != nil {
		p.retired = append(p.retired, retirement{session: s, reason: reason})
	}
	p.notifyLocked()
}

// unlock releases p.mu and then runs the retire hook for every session
// retired while it was held, so hooks may call back into the pool.
func (p *Pool) unlock() {
	pending := p.retired
	p.retired = nil
	hook := p.onRetire
	p.mu.Unlock()
	for _, r := range pending {
		hook(r.session, r.reason)
	}
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func newJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return jar, nil
}
