// Package lifecycle applies bucket lifecycle rules in the background:
// expiration of current versions, removal of expired delete markers,
// expiration of noncurrent versions and abort of stale multipart uploads.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	s3err "github.com/cairnstore/cairn/internal/errors"
	"github.com/cairnstore/cairn/internal/engine"
	"github.com/cairnstore/cairn/internal/metadata"
	"github.com/cairnstore/cairn/internal/metrics"
	"github.com/cairnstore/cairn/internal/multipart"
	"github.com/cairnstore/cairn/internal/registry"
)

// Action names reported in results and metrics.
const (
	ActionExpireCurrent      = "expire-current"
	ActionExpireDeleteMarker = "expire-delete-marker"
	ActionExpireNoncurrent   = "expire-noncurrent"
	ActionAbortMultipart     = "abort-multipart"
)

const day = 24 * time.Hour

// Options tunes a Sweeper.
type Options struct {
	// MaxActions bounds the actions of one sweep. Zero is unlimited.
	MaxActions int
	// Concurrency is the number of buckets swept in parallel. Zero means 4.
	Concurrency int
}

// RuleResult counts the work done by one rule action in one bucket.
type RuleResult struct {
	Bucket            string
	RuleID            string
	Action            string
	MatchedCandidates int
	AppliedActions    int
	SkippedByLimit    int
}

// Result summarizes a sweep.
type Result struct {
	BucketsScanned  int
	RulesEvaluated  int
	ActionsExecuted int
	SkippedByLimit  int
	RuleResults     []RuleResult
}

// Applied returns the number of applied actions of the given kind.
func (r Result) Applied(action string) int {
	n := 0
	for _, rr := range r.RuleResults {
		if rr.Action == action {
			n += rr.AppliedActions
		}
	}
	return n
}

// budget is shared by the buckets of one sweep.
type budget struct {
	mu       sync.Mutex
	max      int
	used     int
	executed int
	skipped  int
}

// errSuperseded reports a candidate that changed after it was selected.
// apply hands its budget slot back.
var errSuperseded = errors.New("candidate superseded")

// apply runs fn when the budget allows and reports whether it ran.
func (b *budget) apply(fn func() error) (bool, error) {
	b.mu.Lock()
	if b.max > 0 && b.used >= b.max {
		b.skipped++
		b.mu.Unlock()
		return false, nil
	}
	b.used++
	b.mu.Unlock()

	if err := fn(); err != nil {
		if errors.Is(err, errSuperseded) {
			b.mu.Lock()
			b.used--
			b.mu.Unlock()
		}
		return true, err
	}
	b.mu.Lock()
	b.executed++
	b.mu.Unlock()
	return true, nil
}

// Sweeper evaluates lifecycle rules against the engine's buckets. Actions
// run with system privileges and bypass bucket policies.
type Sweeper struct {
	engine *engine.Engine
	opts   Options

	// beforeExpire runs between candidate selection and each expiration.
	beforeExpire func(bucket, key string)
}

// New creates a sweeper over e.
func New(e *engine.Engine, opts Options) *Sweeper {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Sweeper{engine: e, opts: opts}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			res, err := s.Sweep(ctx, t.UTC())
			logSweep(res, err)
		}
	}
}

func logSweep(res Result, err error) {
	args := []any{
		"buckets_scanned", res.BucketsScanned,
		"rules_evaluated", res.RulesEvaluated,
		"actions_executed", res.ActionsExecuted,
		"skipped_by_limit", res.SkippedByLimit,
	}
	if err != nil {
		slog.Warn("Lifecycle sweep finished with errors", append(args, "error", err)...)
		return
	}
	if res.ActionsExecuted > 0 || res.SkippedByLimit > 0 {
		slog.Info("Lifecycle sweep finished", args...)
		return
	}
	slog.Debug("Lifecycle sweep finished", args...)
}

// Sweep applies every enabled rule once, as of now. Errors of individual
// buckets are joined; the remaining buckets are still swept.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	b := &budget{max: s.opts.MaxActions}

	var (
		mu   sync.Mutex
		res  Result
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, bucket := range s.engine.Registry().List() {
		if len(bucket.Lifecycle) == 0 {
			continue
		}
		g.Go(func() error {
			rules, results, err := s.sweepBucket(gctx, now, bucket, b)
			mu.Lock()
			res.BucketsScanned++
			res.RulesEvaluated += rules
			res.RuleResults = append(res.RuleResults, results...)
			if err != nil {
				errs = append(errs, err)
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	res.ActionsExecuted = b.executed
	res.SkippedByLimit = b.skipped
	for _, rr := range res.RuleResults {
		if rr.AppliedActions > 0 {
			metrics.LifecycleActionsTotal.WithLabelValues(rr.Action).Add(float64(rr.AppliedActions))
		}
	}
	if res.ActionsExecuted > 0 {
		s.engine.RefreshGauges()
	}
	return res, errors.Join(errs...)
}

func (s *Sweeper) sweepBucket(ctx context.Context, now time.Time, bucket *registry.Bucket, b *budget) (int, []RuleResult, error) {
	var (
		evaluated int
		results   []RuleResult
		errs      []error
	)
	for i, rule := range bucket.Lifecycle {
		if err := ctx.Err(); err != nil {
			return evaluated, results, err
		}
		if !rule.Enabled() {
			continue
		}
		evaluated++
		id := rule.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i+1)
		}
		if exp := rule.Expiration; exp != nil {
			if exp.Days > 0 || !exp.Date.IsZero() {
				rr, err := s.expireCurrent(ctx, now, bucket, id, rule, b)
				results = append(results, rr)
				errs = append(errs, err)
			}
			if exp.ExpiredObjectDeleteMarker {
				rr, err := s.expireDeleteMarkers(ctx, bucket.Name, id, rule, b)
				results = append(results, rr)
				errs = append(errs, err)
			}
		}
		if nve := rule.NoncurrentVersionExpiration; nve != nil && nve.NoncurrentDays > 0 {
			rr, err := s.expireNoncurrent(ctx, now, bucket.Name, id, rule, b)
			results = append(results, rr)
			errs = append(errs, err)
		}
		if ab := rule.AbortIncompleteMultipartUpload; ab != nil && ab.DaysAfterInitiation > 0 {
			rr, err := s.abortIncomplete(ctx, now, bucket.Name, id, rule, b)
			results = append(results, rr)
			errs = append(errs, err)
		}
	}
	return evaluated, results, errors.Join(errs...)
}

func currentExpired(now, lastModified time.Time, exp *registry.Expiration) bool {
	if exp.Days > 0 && !now.Before(lastModified.Add(time.Duration(exp.Days)*day)) {
		return true
	}
	return !exp.Date.IsZero() && !now.Before(exp.Date)
}

// expireCurrent deletes current versions past their expiration. On a
// versioned bucket this places a delete marker.
func (s *Sweeper) expireCurrent(ctx context.Context, now time.Time, bucket *registry.Bucket, ruleID string, rule registry.LifecycleRule, b *budget) (RuleResult, error) {
	res := RuleResult{Bucket: bucket.Name, RuleID: ruleID, Action: ActionExpireCurrent}
	type candidate struct {
		key string
		seq uint64
	}
	var candidates []candidate
	err := s.engine.Catalog().Walk(bucket.Name, rule.Filter.Prefix, func(key string, versions []metadata.ObjectVersion) bool {
		cur := versions[0]
		if cur.IsDeleteMarker || !rule.Filter.Matches(key, cur.Size, cur.Tags) {
			return true
		}
		if currentExpired(now, cur.LastModified, rule.Expiration) {
			candidates = append(candidates, candidate{key: key, seq: cur.Seq})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return res, err
	}

	// Versioning may have changed since the registry listing.
	status, err := s.engine.Registry().GetVersioning(bucket.Name)
	if err != nil {
		return res, err
	}
	for _, c := range candidates {
		res.MatchedCandidates++
		if s.beforeExpire != nil {
			s.beforeExpire(bucket.Name, c.key)
		}
		// The key may have been rewritten since the walk; only the version
		// that was found expired is deleted.
		applied, err := b.apply(func() error {
			_, ok, err := s.engine.Catalog().DeleteIfLatest(ctx, bucket.Name, c.key, c.seq, status, bucket.Owner)
			if err == nil && !ok {
				return errSuperseded
			}
			return err
		})
		if !applied {
			res.SkippedByLimit++
			continue
		}
		if errors.Is(err, errSuperseded) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("expire %s/%s: %w", bucket.Name, c.key, err)
		}
		res.AppliedActions++
	}
	return res, nil
}

// expireDeleteMarkers removes delete markers that are the only remaining
// version of their key.
func (s *Sweeper) expireDeleteMarkers(ctx context.Context, bucket, ruleID string, rule registry.LifecycleRule, b *budget) (RuleResult, error) {
	res := RuleResult{Bucket: bucket, RuleID: ruleID, Action: ActionExpireDeleteMarker}
	type marker struct{ key, versionID string }
	var candidates []marker
	err := s.engine.Catalog().Walk(bucket, rule.Filter.Prefix, func(key string, versions []metadata.ObjectVersion) bool {
		if len(versions) == 1 && versions[0].IsDeleteMarker {
			candidates = append(candidates, marker{key, versions[0].VersionID})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return res, err
	}
	for _, m := range candidates {
		res.MatchedCandidates++
		applied, err := b.apply(func() error {
			return s.deleteVersion(ctx, bucket, m.key, m.versionID)
		})
		if !applied {
			res.SkippedByLimit++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("expire delete marker %s/%s: %w", bucket, m.key, err)
		}
		res.AppliedActions++
	}
	return res, nil
}

// expireNoncurrent permanently removes versions that have been noncurrent
// for NoncurrentDays, keeping the newest NewerNoncurrentVersions of them.
// A version becomes noncurrent when its successor is written.
func (s *Sweeper) expireNoncurrent(ctx context.Context, now time.Time, bucket, ruleID string, rule registry.LifecycleRule, b *budget) (RuleResult, error) {
	res := RuleResult{Bucket: bucket, RuleID: ruleID, Action: ActionExpireNoncurrent}
	nve := rule.NoncurrentVersionExpiration
	age := time.Duration(nve.NoncurrentDays) * day

	type version struct{ key, versionID string }
	var candidates []version
	err := s.engine.Catalog().Walk(bucket, rule.Filter.Prefix, func(key string, versions []metadata.ObjectVersion) bool {
		kept := 0
		for i := 1; i < len(versions); i++ {
			v := versions[i]
			if v.IsDeleteMarker {
				continue
			}
			if kept < nve.NewerNoncurrentVersions {
				kept++
				continue
			}
			if !rule.Filter.Matches(key, v.Size, v.Tags) {
				continue
			}
			if now.Before(versions[i-1].LastModified.Add(age)) {
				continue
			}
			candidates = append(candidates, version{key, v.VersionID})
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return res, err
	}
	for _, v := range candidates {
		res.MatchedCandidates++
		applied, err := b.apply(func() error {
			return s.deleteVersion(ctx, bucket, v.key, v.versionID)
		})
		if !applied {
			res.SkippedByLimit++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("expire version %s/%s@%s: %w", bucket, v.key, v.versionID, err)
		}
		res.AppliedActions++
	}
	return res, nil
}

func (s *Sweeper) deleteVersion(ctx context.Context, bucket, key, versionID string) error {
	_, err := s.engine.Catalog().Delete(ctx, bucket, key, versionID, metadata.VersioningEnabled, metadata.Owner{})
	if errors.Is(err, s3err.ErrNoSuchVersion) || errors.Is(err, s3err.ErrNoSuchKey) {
		return nil
	}
	return err
}

// abortIncomplete aborts uploads initiated more than DaysAfterInitiation
// days ago. Size and tag filters do not apply to uploads.
func (s *Sweeper) abortIncomplete(ctx context.Context, now time.Time, bucket, ruleID string, rule registry.LifecycleRule, b *budget) (RuleResult, error) {
	res := RuleResult{Bucket: bucket, RuleID: ruleID, Action: ActionAbortMultipart}
	age := time.Duration(rule.AbortIncompleteMultipartUpload.DaysAfterInitiation) * day
	uploads := s.engine.Uploads()

	var candidates []multipart.Upload
	p := multipart.ListUploadsParams{Prefix: rule.Filter.Prefix, MaxUploads: multipart.MaxListUploads}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page := uploads.ListUploads(bucket, p)
		for _, u := range page.Uploads {
			if !now.Before(u.Initiated.Add(age)) {
				candidates = append(candidates, u)
			}
		}
		if !page.IsTruncated {
			break
		}
		p.KeyMarker, p.UploadIDMarker = page.NextKeyMarker, page.NextUploadIDMarker
	}

	for _, u := range candidates {
		res.MatchedCandidates++
		applied, err := b.apply(func() error {
			err := uploads.Abort(ctx, u.ID, bucket, u.Key)
			if errors.Is(err, s3err.ErrNoSuchUpload) {
				return nil
			}
			return err
		})
		if !applied {
			res.SkippedByLimit++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("abort upload %s/%s: %w", bucket, u.ID, err)
		}
		res.AppliedActions++
	}
	return res, nil
}
