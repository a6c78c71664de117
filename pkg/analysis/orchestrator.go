// Package analysis drives one artifact generation end to end: optional
// context gathering, streaming generation into a live buffer, band
// extraction and storage of the finished artifact.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/metrics"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/provider"
	"github.com/dwellwise/dwellwise/pkg/stream"
)

// DefaultTimeout bounds a run when neither the request nor Options set one.
const DefaultTimeout = 2 * time.Minute

// ErrBusy is returned by Run while another run is in progress.
var ErrBusy = errors.New("analysis already in progress")

// State is the orchestrator lifecycle state.
type State int

const (
	Idle State = iota
	FetchingContext
	Generating
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingContext:
		return "fetching_context"
	case Generating:
		return "generating"
	case Complete:
		return "complete"
	case Error:
		return "error"
	}
	return "unknown"
}

// Request describes one generation.
type Request struct {
	SubjectID string
	Kind      models.ArtifactKind
	// Brief is the buyer profile and instructions sent to the model.
	Brief string
	// Comparables is market comparison data. When empty and a
	// ContextFetcher is configured, it is fetched first.
	Comparables string
	Model       string
	Timeout     time.Duration
	// OnFragment, if set, receives each fragment on the Run goroutine.
	OnFragment func(string)
}

// ContextFetcher gathers comparison data for a subject.
type ContextFetcher interface {
	FetchContext(ctx context.Context, subjectID string, kind models.ArtifactKind) (string, error)
}

// Generator opens a streaming generation. *provider.Client implements it.
type Generator interface {
	Stream(ctx context.Context, req provider.Request) (*provider.Stream, error)
}

// Saver persists finished artifacts. *artifact.Store implements it.
type Saver interface {
	Save(ctx context.Context, a models.Artifact) (models.Artifact, error)
}

// Event is delivered to subscribers on every state change and fragment.
type Event struct {
	State    State
	Fragment string
	Err      error
}

// Options configures an Orchestrator.
type Options struct {
	Fetcher ContextFetcher
	Store   Saver
	Timeout time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Orchestrator runs generations for one artifact slot. Runs are sequential;
// Snapshot, State and subscribers may be used concurrently with a run.
type Orchestrator struct {
	gen  Generator
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	running  bool
	state    State
	buf      strings.Builder
	err      error
	artifact *models.Artifact
	subs     map[int]chan<- Event
	nextSub  int
}

// New creates an Orchestrator.
func New(gen Generator, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		gen:  gen,
		opts: opts,
		log:  logging.OrNop(opts.Logger).Named("analysis"),
		subs: make(map[int]chan<- Event),
	}
}

// State returns the current state and, in Error, the failure.
func (o *Orchestrator) State() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.err
}

// Snapshot returns the text generated so far in the current run.
func (o *Orchestrator) Snapshot() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// Artifact returns the artifact of the last completed run.
func (o *Orchestrator) Artifact() (models.Artifact, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.artifact == nil {
		return models.Artifact{}, false
	}
	return *o.artifact, true
}

// Subscribe registers ch for events. Sends never block: a full channel
// misses events. The returned func unsubscribes.
func (o *Orchestrator) Subscribe(ch chan<- Event) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// publish must be called with o.mu held.
func (o *Orchestrator) publish(ev Event) {
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (o *Orchestrator) setState(s State, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	o.err = err
	o.publish(Event{State: s, Err: err})
}

// begin moves Idle, Complete or Error to a fresh run.
func (o *Orchestrator) begin() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrBusy
	}
	o.running = true
	o.buf = strings.Builder{}
	o.err = nil
	o.artifact = nil
	return nil
}

func (o *Orchestrator) appendFragment(f string) {
	o.mu.Lock()
	o.buf.WriteString(f)
	o.publish(Event{State: Generating, Fragment: f})
	o.mu.Unlock()
}

// Run generates one artifact. On success the artifact is stored and
// returned. Generation failures are *stream.Error values and leave the
// orchestrator in Error. If ctx is cancelled the partial text is discarded,
// nothing is stored, and the orchestrator returns to Idle.
func (o *Orchestrator) Run(ctx context.Context, req Request) (models.Artifact, error) {
	if req.SubjectID == "" {
		return models.Artifact{}, errors.New("analysis: empty subject id")
	}
	if !req.Kind.Valid() {
		return models.Artifact{}, fmt.Errorf("analysis: unknown kind %q", req.Kind)
	}
	if err := o.begin(); err != nil {
		return models.Artifact{}, err
	}
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	ctx = logging.WithSubjectID(ctx, req.SubjectID)
	log := logging.FromContext(ctx, o.log).With(zap.String("kind", string(req.Kind)))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	a, err := o.run(runCtx, req)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		o.opts.Metrics.Generation(string(req.Kind), "complete", elapsed.Seconds())
		log.Info("analysis complete", zap.Duration("elapsed", elapsed), zap.Int("chars", len(a.Text)))
		return a, nil
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		o.mu.Lock()
		o.buf = strings.Builder{}
		o.mu.Unlock()
		o.setState(Idle, nil)
		o.opts.Metrics.Generation(string(req.Kind), "cancelled", elapsed.Seconds())
		log.Info("analysis cancelled")
		return models.Artifact{}, err
	default:
		o.setState(Error, err)
		o.opts.Metrics.Generation(string(req.Kind), string(kindOrFailed(err)), elapsed.Seconds())
		log.Warn("analysis failed", zap.Error(err))
		return models.Artifact{}, err
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request) (models.Artifact, error) {
	comparables := req.Comparables
	if comparables == "" && o.opts.Fetcher != nil {
		o.setState(FetchingContext, nil)
		c, err := o.opts.Fetcher.FetchContext(ctx, req.SubjectID, req.Kind)
		if err != nil {
			return models.Artifact{}, classify(ctx, fmt.Errorf("fetch context: %w", err))
		}
		comparables = c
	}

	o.setState(Generating, nil)
	start := time.Now()
	s, err := o.gen.Stream(ctx, provider.Request{
		Model:  req.Model,
		System: systemPrompt(req.Kind),
		Prompt: userPrompt(req.Brief, comparables),
	})
	if err != nil {
		return models.Artifact{}, classify(ctx, err)
	}
	defer s.Body.Close()

	d := stream.NewDecoder(s.Delta)
	err = d.Run(ctx, s.Body, func(f string) {
		o.opts.Metrics.Fragment()
		o.appendFragment(f)
		if req.OnFragment != nil {
			req.OnFragment(f)
		}
	})
	o.opts.Metrics.Skipped(d.Skipped())
	if err != nil {
		return models.Artifact{}, err
	}

	a := models.Artifact{
		SubjectID: req.SubjectID,
		Kind:      req.Kind,
		Model:     s.Route.Model,
		Text:      d.Text(),
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	a.Bands = artifact.Bands(a)
	if req.Kind == models.KindBudgetStrategy {
		o.opts.Metrics.Bands(a.Bands != nil)
	}

	if o.opts.Store != nil {
		// The artifact is already complete; storing it does not depend on
		// the caller staying connected.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		saved, err := o.opts.Store.Save(saveCtx, a)
		if err != nil {
			return models.Artifact{}, stream.Failed("store artifact", err)
		}
		a = saved
	}

	o.mu.Lock()
	o.artifact = &a
	o.state = Complete
	o.publish(Event{State: Complete})
	o.mu.Unlock()
	return a, nil
}

// classify maps a deadline to GenerationFailed and passes other errors
// through, wrapping untyped ones as GenerationFailed.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stream.Failed("generation timed out", err)
	}
	if errors.Is(err, context.Canceled) || stream.KindOf(err) != "" {
		return err
	}
	return stream.Failed("", err)
}

func kindOrFailed(err error) stream.Kind {
	if k := stream.KindOf(err); k != "" {
		return k
	}
	return stream.KindGenerationFailed
}

func systemPrompt(kind models.ArtifactKind) string {
	switch kind {
	case models.KindBudgetStrategy:
		return "You are a buyer's agent assistant. Write a budget strategy with three bands, " +
			"each on its own line as \"<Band>: $min - $max\" for Conservative, Target and Stretch, " +
			"followed by a short rationale."
	case models.KindOfferScenarios:
		return "You are a buyer's agent assistant. Describe two or three offer scenarios with price, " +
			"contingencies and the trade-offs of each."
	default:
		return "You are a buyer's agent assistant. Write a concise market analysis for the buyer " +
			"using the comparable sales provided."
	}
}

func userPrompt(brief, comparables string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(brief))
	if c := strings.TrimSpace(comparables); c != "" {
		b.WriteString("\n\nComparable sales:\n")
		b.WriteString(c)
	}
	return b.String()
}
