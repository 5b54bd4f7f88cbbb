// Package orchestrator drives a crawl: it pulls requests from the queue,
// lends each a session, picks a fetch path, runs the labeled handler, and
// routes failures into retries, session retirement or terminal failure.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-orchestrator/internal/adaptive"
	"github.com/JakeFAU/crawl-orchestrator/internal/autoscale"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/events"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue"
	"github.com/JakeFAU/crawl-orchestrator/internal/session"
	"github.com/JakeFAU/crawl-orchestrator/internal/stats"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
	"github.com/JakeFAU/crawl-orchestrator/internal/telemetry"
)

// ErrAlreadyRunning is returned when Run is called on a running orchestrator.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Config controls a run.
type Config struct {
	RunID string
	// MaxRequestsPerCrawl stops dispatching once this many requests reached a
	// terminal state. Zero means unlimited.
	MaxRequestsPerCrawl int `mapstructure:"max_requests_per_crawl"`
	// IdlePoll bounds how long the loop sleeps when the queue is empty but
	// not finished, e.g. while another client holds locks.
	IdlePoll        time.Duration
	PersistInterval time.Duration
}

// Deps are the collaborators a run needs. Dynamic, Selector, Blocks and
// Dataset are optional.
type Deps struct {
	Queue      *queue.Queue
	Sessions   *session.Pool
	Autoscaler *autoscale.Autoscaler
	Stats      *stats.Statistics
	Router     *Router
	Static     crawler.Fetcher
	Dynamic    crawler.Fetcher
	Selector   *adaptive.Selector
	Blocks     *session.BlockDetector
	Dataset    *dataset.Dataset
}

// FailedFunc observes requests that failed for good.
type FailedFunc func(ctx context.Context, req *crawler.Request, err error)

type archive struct {
	blob   crawler.BlobStore
	hasher crawler.Hasher
	prefix string
}

// Orchestrator runs crawls.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	progress progress.Emitter
	bus      *events.Bus
	onFailed FailedFunc
	archive  *archive

	running  atomic.Bool
	active   atomic.Int64
	terminal atomic.Int64

	mu      sync.Mutex
	changed chan struct{}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(o *Orchestrator) { o.logger = logger } }

// WithProgress sets the progress event sink.
func WithProgress(e progress.Emitter) Option { return func(o *Orchestrator) { o.progress = e } }

// WithBus shares a lifecycle bus with other components.
func WithBus(bus *events.Bus) Option { return func(o *Orchestrator) { o.bus = bus } }

// WithOnFailed registers a callback for terminally failed requests.
func WithOnFailed(fn FailedFunc) Option { return func(o *Orchestrator) { o.onFailed = fn } }

// WithBodyArchive stores every handled response body in blob under
// prefix/<run id>/<hash>.html and exposes the URI as Context.BodyURI.
func WithBodyArchive(blob crawler.BlobStore, hasher crawler.Hasher, prefix string) Option {
	return func(o *Orchestrator) {
		o.archive = &archive{blob: blob, hasher: hasher, prefix: strings.Trim(prefix, "/")}
	}
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a queue", crawler.ErrValidation)
	case deps.Sessions == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a session pool", crawler.ErrValidation)
	case deps.Autoscaler == nil:
		return nil, fmt.Errorf("%w: orchestrator needs an autoscaler", crawler.ErrValidation)
	case deps.Stats == nil:
		return nil, fmt.Errorf("%w: orchestrator needs statistics", crawler.ErrValidation)
	case deps.Router == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a router", crawler.ErrValidation)
	case deps.Static == nil:
		return nil, fmt.Errorf("%w: orchestrator needs a static fetcher", crawler.ErrValidation)
	case cfg.MaxRequestsPerCrawl < 0:
		return nil, fmt.Errorf("%w: max_requests_per_crawl must be >= 0", crawler.ErrValidation)
	}
	if deps.Blocks == nil {
		deps.Blocks = session.NewBlockDetector(session.DefaultBlockConfig())
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 250 * time.Millisecond
	}
	if cfg.RunID == "" {
		id, err := uuid.New().NewID()
		if err != nil {
			return nil, fmt.Errorf("run id: %w", err)
		}
		cfg.RunID = id
	}
	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("orchestrator").With(zap.String("run_id", cfg.RunID))
	if o.bus == nil {
		o.bus = events.New(o.logger)
	}
	deps.Autoscaler.OnScale(func(prev, next int, status autoscale.Status) {
		o.logger.Info("concurrency changed",
			zap.Int("from", prev),
			zap.Int("to", next),
			zap.Bool("cpu_overloaded", status.CPU),
			zap.Bool("memory_overloaded", status.Memory),
		)
		o.emit(progress.Event{Stage: progress.StageScale, Concurrency: next, Note: fmt.Sprintf("%d->%d", prev, next)})
	})
	return o, nil
}

// RunID identifies this orchestrator's run in logs and progress events.
func (o *Orchestrator) RunID() string { return o.cfg.RunID }

// Run crawls until the queue is finished, the request cap is reached, or ctx
// ends. State is persisted on the way out and the final statistics returned.
func (o *Orchestrator) Run(ctx context.Context) (stats.Summary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return stats.Summary{}, ErrAlreadyRunning
	}
	defer o.running.Store(false)

	o.logger.Info("crawl started", zap.Int("max_requests_per_crawl", o.cfg.MaxRequestsPerCrawl))
	o.emit(progress.Event{Stage: progress.StageRunStart})
	started := time.Now()

	unsubscribe := []func(){
		o.deps.Sessions.Subscribe(o.bus),
		o.deps.Stats.Subscribe(o.bus),
		o.bus.On(events.Migrating, func(context.Context, events.Event) error {
			o.deps.Autoscaler.Pause()
			return nil
		}),
	}
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	var background sync.WaitGroup
	background.Go(func() { o.deps.Autoscaler.Run(bgCtx) })
	background.Go(func() { o.deps.Autoscaler.Snapshotter().Run(bgCtx) })
	background.Go(func() { o.deps.Stats.Run(bgCtx) })
	background.Go(func() { o.bus.RunPersistTicker(bgCtx, o.cfg.PersistInterval) })

	runErr := o.dispatch(ctx)

	stopBackground()
	background.Wait()

	final := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		_ = o.bus.Emit(final, events.Event{Kind: events.Aborting, At: time.Now()})
	}
	if err := o.deps.Queue.Close(final); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := o.bus.Emit(final, events.Event{Kind: events.PersistState, At: time.Now(), Final: true}); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("persist state: %w", err))
	}

	summary := o.deps.Stats.Summary()
	o.deps.Stats.Log()
	o.emit(progress.Event{Stage: progress.StageRunDone, Dur: time.Since(started)})
	o.logger.Info("crawl finished",
		zap.Int("requests_finished", summary.RequestsFinished),
		zap.Int("requests_failed", summary.RequestsFailed),
		zap.Int("requests_retries", summary.RequestsRetries),
		zap.Duration("runtime", time.Since(started)),
	)
	return summary, runErr
}

func (o *Orchestrator) dispatch(ctx context.Context) error {
	workers, wctx := errgroup.WithContext(ctx)
	var loopErr error
	for wctx.Err() == nil {
		wait := o.changedChan()
		if o.limitReached() {
			if o.active.Load() == 0 {
				o.logger.Info("max requests per crawl reached", zap.Int("limit", o.cfg.MaxRequestsPerCrawl))
				break
			}
			o.sleep(wctx, wait)
			continue
		}
		if err := o.deps.Autoscaler.Acquire(wctx); err != nil {
			break
		}
		req, err := o.deps.Queue.FetchNext(wctx)
		if err != nil {
			o.deps.Autoscaler.Release()
			if wctx.Err() == nil {
				loopErr = err
			}
			break
		}
		if req == nil {
			o.deps.Autoscaler.Release()
			finished, err := o.deps.Queue.IsFinished(wctx)
			if err != nil {
				if wctx.Err() == nil {
					loopErr = err
				}
				break
			}
			if finished {
				break
			}
			o.sleep(wctx, wait)
			continue
		}

		o.active.Add(1)
		workers.Go(func() error {
			defer o.taskDone()
			defer o.deps.Autoscaler.Release()
			return o.process(wctx, req)
		})
	}
	err := errors.Join(loopErr, workers.Wait())
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("crawl interrupted: %w", ctx.Err())
	}
	return err
}

func (o *Orchestrator) limitReached() bool {
	limit := int64(o.cfg.MaxRequestsPerCrawl)
	return limit > 0 && o.terminal.Load()+o.active.Load() >= limit
}

func (o *Orchestrator) changedChan() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changed
}

func (o *Orchestrator) taskDone() {
	o.active.Add(-1)
	o.mu.Lock()
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

func (o *Orchestrator) sleep(ctx context.Context, wait <-chan struct{}) {
	timer := time.NewTimer(o.cfg.IdlePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wait:
	case <-timer.C:
	}
}

// process runs one request to an outcome. Only bookkeeping failures are
// returned; they stop the run.
func (o *Orchestrator) process(ctx context.Context, req *crawler.Request) error {
	ctx, span := telemetry.StartRequestSpan(ctx, req)
	var outcome error
	defer func() { telemetry.EndSpan(span, outcome) }()

	logger := o.logger.With(
		zap.String("request_id", req.ID),
		zap.String("url", req.URL),
		zap.String("label", req.Label),
	)
	o.deps.Stats.StartJob(req.ID)
	o.emit(progress.Event{
		Stage:     progress.StageRequestStart,
		RequestID: req.ID,
		URL:       req.URL,
		Site:      progress.SiteOf(req.URL),
		Label:     req.Label,
		Retry:     req.RetryCount,
	})

	sess, err := o.deps.Sessions.Acquire(ctx)
	if err != nil {
		outcome = err
		if ctx.Err() != nil {
			return o.abandon(ctx, req, logger)
		}
		return o.handleFailure(ctx, req, nil, &Context{Request: req}, err, logger)
	}
	hc, err := o.execute(ctx, req, sess, logger)
	if err == nil {
		err = hc.commit(ctx)
	}
	outcome = err
	switch {
	case err != nil && ctx.Err() != nil:
		o.deps.Sessions.Release(sess)
		return o.abandon(ctx, req, logger)
	case err != nil:
		return o.handleFailure(ctx, req, sess, hc, err, logger)
	}
	o.deps.Sessions.MarkGood(sess)
	return o.succeed(ctx, req, hc)
}

func (o *Orchestrator) execute(
	ctx context.Context,
	req *crawler.Request,
	sess *session.Session,
	logger *zap.Logger,
) (*Context, error) {
	pred := o.choosePath(req)
	hc := &Context{
		Request: req,
		Session: sess,
		Path:    pred.Path,
		o:       o,
		logger:  logger.With(zap.String("session_id", sess.ID), zap.String("path", string(pred.Path))),
	}
	snap := o.deps.Autoscaler.Snapshotter()
	resp, err := o.fetch(ctx, pred.Path, req, sess)
	snap.ReportRequest()
	if err != nil {
		if crawler.IsTransient(err) {
			snap.ReportClientError()
		}
		return hc, fmt.Errorf("fetch: %w", err)
	}
	hc.Response = resp
	if resp.StatusCode == http.StatusTooManyRequests {
		snap.ReportClientError()
	}
	if err := o.deps.Blocks.Check(resp); err != nil {
		return hc, err
	}
	if pred.Verify {
		o.verify(ctx, hc)
	}
	if err := o.archiveBody(ctx, hc); err != nil {
		return hc, err
	}
	handler, err := o.deps.Router.Route(req.Label)
	if err != nil {
		return hc, err
	}
	return hc, o.invoke(ctx, handler, hc)
}

func (o *Orchestrator) choosePath(req *crawler.Request) adaptive.Prediction {
	static := adaptive.Prediction{Path: adaptive.PathStatic, Confidence: 1}
	if o.deps.Selector == nil || o.deps.Dynamic == nil {
		return static
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return static
	}
	return o.deps.Selector.Choose(req.URL, req.Label)
}

func (o *Orchestrator) fetch(
	ctx context.Context,
	p adaptive.Path,
	req *crawler.Request,
	sess *session.Session,
) (crawler.FetchResponse, error) {
	fetcher := o.deps.Static
	if p == adaptive.PathDynamic && o.deps.Dynamic != nil {
		fetcher = o.deps.Dynamic
	}
	return fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:       req.URL,
		Method:    req.Method,
		Payload:   req.Payload,
		Headers:   req.Headers,
		ProxyURL:  sess.ProxyURL,
		SessionID: sess.ID,
		CookieJar: sess.CookieJar,
	})
}

// verify checks a static response for signs it needed a browser. When it
// did, the page is fetched again dynamically and the outcome fed back.
func (o *Orchestrator) verify(ctx context.Context, hc *Context) {
	if hc.Path != adaptive.PathStatic || o.deps.Dynamic == nil {
		return
	}
	req := hc.Request
	needed := adaptive.PathStatic
	if o.deps.Selector.NeedsDynamic(hc.Response) {
		needed = adaptive.PathDynamic
		resp, err := o.fetch(ctx, adaptive.PathDynamic, req, hc.Session)
		if err == nil {
			err = o.deps.Blocks.Check(resp)
		}
		if err != nil {
			hc.logger.Debug("dynamic re-fetch failed; keeping static response", zap.Error(err))
		} else {
			hc.Response = resp
			hc.Path = adaptive.PathDynamic
		}
	}
	o.deps.Selector.Record(req.URL, req.Label, adaptive.PathStatic, needed)
}

func (o *Orchestrator) archiveBody(ctx context.Context, hc *Context) error {
	if o.archive == nil {
		return nil
	}
	sum, err := o.archive.hasher.Hash(hc.Response.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	objectPath := path.Join(o.archive.prefix, o.cfg.RunID, sum+".html")
	contentType := hc.Response.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := o.archive.blob.PutObject(ctx, objectPath, contentType, bytes.NewReader(hc.Response.Body))
	if err != nil {
		return fmt.Errorf("archive body: %w", err)
	}
	hc.BodyURI = uri
	return nil
}

func (o *Orchestrator) invoke(ctx context.Context, fn Handler, hc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			hc.logger.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if err := fn(ctx, hc); err != nil {
		return fmt.Errorf("handler: %w", err)
	}
	return nil
}

func (o *Orchestrator) succeed(ctx context.Context, req *crawler.Request, hc *Context) error {
	if err := o.deps.Queue.MarkHandled(context.WithoutCancel(ctx), req); err != nil {
		if lockLost(err, hc.logger) {
			return nil
		}
		return err
	}
	d := o.deps.Stats.FinishJob(req.ID)
	o.terminal.Add(1)
	o.emit(progress.Event{
		Stage:       progress.StageRequestDone,
		RequestID:   req.ID,
		URL:         req.URL,
		Site:        progress.SiteOf(req.URL),
		Label:       req.Label,
		Path:        string(hc.Path),
		SessionID:   hc.Session.ID,
		StatusCode:  hc.Response.StatusCode,
		StatusClass: progress.ClassifyStatus(hc.Response.StatusCode),
		Bytes:       int64(len(hc.Response.Body)),
		Retry:       req.RetryCount,
		Dur:         d,
	})
	hc.logger.Debug("request handled", zap.Int("status", hc.Response.StatusCode), zap.Duration("duration", d))
	return nil
}

// handleFailure applies the recovery policy for cause's class.
func (o *Orchestrator) handleFailure(
	ctx context.Context,
	req *crawler.Request,
	sess *session.Session,
	hc *Context,
	cause error,
	logger *zap.Logger,
) error {
	class := crawler.Classify(cause)
	if sess != nil {
		switch class {
		case crawler.ClassBlocked:
			o.deps.Sessions.MarkBad(sess)
			o.deps.Sessions.Retire(sess)
			logger.Warn("session blocked; retired", zap.String("session_id", sess.ID), zap.Error(cause))
		case crawler.ClassTransient, crawler.ClassTimeout:
			o.deps.Sessions.MarkBad(sess)
		default:
			o.deps.Sessions.Release(sess)
		}
	}

	book := context.WithoutCancel(ctx)
	if class == crawler.ClassValidation {
		if err := o.deps.Queue.Fail(book, req, cause.Error()); err != nil {
			if lockLost(err, logger) {
				return nil
			}
			return err
		}
		o.fail(book, req, hc, cause, logger)
		return nil
	}

	req.PushErrorMessage(cause.Error())
	res, err := o.deps.Queue.Reclaim(book, req, false)
	if err != nil {
		if lockLost(err, logger) {
			return nil
		}
		return err
	}
	if res.Failed {
		o.fail(book, req, hc, cause, logger)
		return nil
	}
	o.deps.Stats.RegisterRetry(req.ID, cause)
	logger.Warn("request failed; retrying", zap.Int("retry_count", res.RetryCount), zap.Error(cause))
	o.emit(progress.Event{
		Stage:     progress.StageRequestRetry,
		RequestID: req.ID,
		URL:       req.URL,
		Site:      progress.SiteOf(req.URL),
		Label:     req.Label,
		SessionID: sessionID(sess),
		Retry:     res.RetryCount,
		Note:      cause.Error(),
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, req *crawler.Request, hc *Context, cause error, logger *zap.Logger) {
	o.deps.Stats.FailJob(req.ID, cause)
	o.terminal.Add(1)
	logger.Error("request failed", zap.Int("retry_count", req.RetryCount), zap.Error(cause))
	evt := progress.Event{
		Stage:     progress.StageRequestFailed,
		RequestID: req.ID,
		URL:       req.URL,
		Site:      progress.SiteOf(req.URL),
		Label:     req.Label,
		SessionID: sessionID(hc.Session),
		Retry:     req.RetryCount,
		Note:      cause.Error(),
	}
	if hc.Response.StatusCode != 0 {
		evt.StatusCode = hc.Response.StatusCode
		evt.StatusClass = progress.ClassifyStatus(hc.Response.StatusCode)
	}
	o.emit(evt)
	if o.onFailed != nil {
		o.onFailed(ctx, req, cause)
	}
}

// abandon hands the request back untouched because the run is stopping.
func (o *Orchestrator) abandon(ctx context.Context, req *crawler.Request, logger *zap.Logger) error {
	if err := o.deps.Queue.Release(context.WithoutCancel(ctx), req); err != nil {
		logger.Warn("release abandoned request", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.progress == nil {
		return
	}
	evt.RunID = o.cfg.RunID
	o.progress.Emit(evt)
}

// lockLost reports whether err means another worker took the request over
// after its lock expired. That worker owns the outcome, so this one stands down.
func lockLost(err error, logger *zap.Logger) bool {
	if !errors.Is(err, storage.ErrLockLost) {
		return false
	}
	logger.Warn("request lock expired and was taken over; dropping this attempt", zap.Error(err))
	return true
}

func sessionID(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}
