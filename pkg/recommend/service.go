// Package recommend serves recommended next actions per subject through the
// two-tier cache, fetching from the model provider on a miss.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dwellwise/dwellwise/pkg/cache"
	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/models"
	"github.com/dwellwise/dwellwise/pkg/provider"
)

const systemPrompt = `You suggest next actions for a real-estate agent working with one buyer.
Reply with only a JSON array. Each element has "label" (short imperative),
"command" (the command the agent runs, starting with /) and "kind"
("artifact" if the command produces a document, otherwise "thinking").`

// ErrNoActions is returned when the model reply holds no usable action.
var ErrNoActions = errors.New("no recommended actions in reply")

// Completer runs a non-streaming generation. *provider.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*models.ContentResponse, error)
}

// Source says where a Result came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceFetched Source = "fetched"
)

// Result is the answer to one recommendation request.
type Result struct {
	SubjectID string                     `json:"subject_id"`
	Actions   []models.RecommendedAction `json:"actions"`
	Status    models.EntryStatus         `json:"status"`
	CachedAt  time.Time                  `json:"cached_at"`
	Source    Source                     `json:"source"`
	// Refreshing is set when a stale result is returned while a refresh runs.
	Refreshing bool `json:"refreshing"`
}

// Options configures a Service.
type Options struct {
	Model string
	// FetchTimeout bounds one provider fetch, shared by all waiters.
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Service answers recommendation requests.
type Service struct {
	cache *cache.Cache
	gen   Completer
	opts  Options
	log   *zap.Logger
	group singleflight.Group
	wg    sync.WaitGroup
}

// New creates a Service.
func New(c *cache.Cache, gen Completer, opts Options) *Service {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Minute
	}
	return &Service{
		cache: c,
		gen:   gen,
		opts:  opts,
		log:   logging.OrNop(opts.Logger).Named("recommend"),
	}
}

// Actions returns the subject's recommended actions. A fresh cache entry is
// returned as is. A stale entry is returned immediately while a refresh runs
// in the background. A miss fetches from the provider and caches the result.
// Concurrent fetches for one subject share a single provider call.
func (s *Service) Actions(ctx context.Context, subjectID, brief string) (Result, error) {
	if e, ok := s.cache.Get(ctx, subjectID); ok {
		res := fromEntry(e, SourceCache)
		if !e.Fresh() {
			s.refreshAsync(ctx, subjectID, brief)
			res.Refreshing = true
		}
		return res, nil
	}
	return s.Refresh(ctx, subjectID, brief)
}

// Refresh fetches new actions for the subject regardless of the cache.
func (s *Service) Refresh(ctx context.Context, subjectID, brief string) (Result, error) {
	ch := s.group.DoChan(subjectID, func() (any, error) {
		return s.fetch(ctx, subjectID, brief)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

// Invalidate drops the subject's cached actions.
func (s *Service) Invalidate(ctx context.Context, subjectID string) {
	s.cache.Invalidate(ctx, subjectID)
	s.group.Forget(subjectID)
}

// Wait blocks until background refreshes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) refreshAsync(ctx context.Context, subjectID, brief string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err, _ := s.group.Do(subjectID, func() (any, error) {
			return s.fetch(ctx, subjectID, brief)
		})
		if err != nil {
			logging.FromContext(ctx, s.log).Warn("background refresh failed",
				zap.String("subject_id", subjectID), zap.Error(err))
		}
	}()
}

// fetch outlives any single caller; it runs under its own timeout.
func (s *Service) fetch(ctx context.Context, subjectID, brief string) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FetchTimeout)
	defer cancel()

	resp, err := s.gen.Complete(ctx, provider.Request{
		Model:  s.opts.Model,
		System: systemPrompt,
		Prompt: brief,
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch recommendations: %w", err)
	}
	actions, err := ParseActions(resp.Content)
	if err != nil {
		return Result{}, err
	}
	if err := s.cache.Put(ctx, subjectID, actions); err != nil {
		return Result{}, err
	}
	e, ok := s.cache.Get(ctx, subjectID)
	if !ok {
		// Invalidated between Put and Get.
		e = models.CacheEntry{SubjectID: subjectID, Actions: actions, CachedAt: time.Now(), Status: models.StatusValid}
	}
	logging.FromContext(ctx, s.log).Debug("recommendations fetched",
		zap.String("subject_id", subjectID), zap.Int("actions", len(e.Actions)))
	return fromEntry(e, SourceFetched), nil
}

func fromEntry(e models.CacheEntry, src Source) Result {
	return Result{
		SubjectID: e.SubjectID,
		Actions:   e.Actions,
		Status:    e.Status,
		CachedAt:  e.CachedAt,
		Source:    src,
	}
}

// ParseActions reads the JSON array of actions from a model reply. Markdown
// code fences and prose around the array are tolerated. Elements without a
// label are dropped and an unknown kind becomes "artifact".
func ParseActions(content string) ([]models.RecommendedAction, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, ErrNoActions
	}

	var raw []models.RecommendedAction
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parse actions: %w", err)
	}

	out := make([]models.RecommendedAction, 0, len(raw))
	for _, a := range raw {
		a.Label = strings.TrimSpace(a.Label)
		if a.Label == "" {
			continue
		}
		if a.Kind != models.ActionArtifact && a.Kind != models.ActionThinking {
			a.Kind = models.ActionArtifact
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ErrNoActions
	}
	return out, nil
}
