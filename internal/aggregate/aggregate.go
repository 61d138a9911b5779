// Package aggregate queries each record kind concurrently and merges the
// filtered results in a fixed kind order.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	internalerrors "github.com/guardian/prism/internal/errors"
	"github.com/guardian/prism/internal/match"
	"github.com/guardian/prism/internal/metrics"
	"github.com/guardian/prism/internal/prism"
	"github.com/guardian/prism/internal/query"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Querier is the part of prism.Client the aggregator needs.
type Querier interface {
	Query(ctx context.Context, kind prism.Kind, constraints url.Values) (*prism.Response, error)
}

// Result is the merged, filtered record list plus per-kind failures.
type Result struct {
	Records []prism.Record
	Failed  map[prism.Kind]error

	kinds []prism.Kind
}

// FailedKinds returns the kinds that failed, in query order.
func (r *Result) FailedKinds() []prism.Kind {
	var out []prism.Kind
	for _, k := range r.kinds {
		if _, ok := r.Failed[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Err is non-nil only when every requested kind failed.
func (r *Result) Err() error {
	if len(r.kinds) == 0 || len(r.Failed) < len(r.kinds) {
		return nil
	}
	errs := make([]error, 0, len(r.kinds))
	for _, k := range r.kinds {
		errs = append(errs, r.Failed[k])
	}
	return errors.Join(errs...)
}

// RecordTokens is the token extractor shared by every record kind.
func RecordTokens(r prism.Record) []string {
	return match.Tokens(r.TokenSource()...)
}

// Aggregator fans discovery queries out across kinds.
type Aggregator struct {
	querier Querier
	logger  zerolog.Logger
	metrics *metrics.RunMetrics
}

// New returns an Aggregator. m may be nil.
func New(querier Querier, logger zerolog.Logger, m *metrics.RunMetrics) *Aggregator {
	return &Aggregator{querier: querier, logger: logger, metrics: m}
}

// Collect queries every kind, filters each kind's records with the query's
// phrases and concatenates them in the order of kinds. A failing kind is
// logged and recorded in Result.Failed; the others still contribute.
func (a *Aggregator) Collect(ctx context.Context, kinds []prism.Kind, q *query.Query) *Result {
	perKind := make([][]prism.Record, len(kinds))
	failures := make([]error, len(kinds))
	constraints := q.Values()

	// Errors are kept per kind rather than returned so one failing endpoint
	// does not cancel the others. No goroutine returns an error, so Wait
	// only joins them.
	var g errgroup.Group
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			start := time.Now()
			resp, err := a.querier.Query(ctx, kind, constraints)
			if err != nil {
				a.metrics.RecordDiscovery(string(kind), metrics.OutcomeFailure, time.Since(start), 0)
				failures[i] = err
				return nil
			}
			a.metrics.RecordDiscovery(string(kind), metrics.OutcomeSuccess, time.Since(start), len(resp.Records))
			perKind[i] = match.Filter(resp.Records, q.Phrases, RecordTokens)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	result := &Result{
		Failed: make(map[prism.Kind]error),
		kinds:  append([]prism.Kind(nil), kinds...),
	}
	for i, kind := range kinds {
		if failures[i] != nil {
			result.Failed[kind] = failures[i]
			event := a.logger.Error()
			if errors.Is(failures[i], internalerrors.ErrDecode) {
				event = event.Str("cause", "decode")
			} else if errors.Is(failures[i], internalerrors.ErrTransport) {
				event = event.Str("cause", "transport")
			}
			event.Err(failures[i]).Str("kind", string(kind)).Msg("Prism query failed")
			continue
		}
		result.Records = append(result.Records, perKind[i]...)
	}

	a.metrics.RecordMatches(len(result.Records))
	a.logger.Debug().
		Str("query", q.String()).
		Int("matches", len(result.Records)).
		Int("failed_kinds", len(result.Failed)).
		Msg("Discovery complete")

	return result
}

// Summary describes partial failures for the diagnostic stream.
func (r *Result) Summary() string {
	failed := r.FailedKinds()
	if len(failed) == 0 {
		return ""
	}
	return fmt.Sprintf("results are incomplete: %v could not be queried", failed)
}
