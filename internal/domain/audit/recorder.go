package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultPrimaryTimeout = 5 * time.Second
	DefaultMirrorTimeout  = 5 * time.Second
)

// Recorder writes each event to the primary store and then, best effort, to
// the compliance mirror.
type Recorder struct {
	repo            Repository
	mirror          Mirror
	logger          zerolog.Logger
	nowFn           func() time.Time
	primaryTimeout  time.Duration
	mirrorTimeout   time.Duration
	onMirrorFailure func(context.Context)
}

type RecorderOption func(*Recorder)

// WithMirror enables the compliance mirror.
func WithMirror(m Mirror) RecorderOption {
	return func(r *Recorder) { r.mirror = m }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.nowFn = now }
}

func WithPrimaryTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.primaryTimeout = d }
}

// WithMirrorFailureHook is called once per failed mirror write.
func WithMirrorFailureHook(fn func(context.Context)) RecorderOption {
	return func(r *Recorder) { r.onMirrorFailure = fn }
}

func NewRecorder(repo Repository, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		repo:           repo,
		logger:         logger.With().Str("component", "audit").Logger(),
		nowFn:          time.Now,
		primaryTimeout: DefaultPrimaryTimeout,
		mirrorTimeout:  DefaultMirrorTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends e to the primary store and returns its id. The write runs
// on a context detached from ctx so a caller disconnect cannot abandon it
// halfway. A primary failure is returned; a mirror failure is only logged.
func (r *Recorder) Record(ctx context.Context, e *Event) (*Result, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Recorded.IsZero() {
		e.Recorded = r.nowFn()
	}
	// Postgres keeps microseconds; hash what will be read back.
	e.Recorded = e.Recorded.UTC().Truncate(time.Microsecond)
	md, err := normalizeMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	e.Metadata = md

	detached := context.WithoutCancel(ctx)

	pctx, cancel := context.WithTimeout(detached, r.primaryTimeout)
	defer cancel()
	if err := r.repo.Append(pctx, e); err != nil {
		r.logger.Error().Err(err).
			Str("event_id", e.ID.String()).
			Str("subject_id", e.SubjectID).
			Str("outcome", string(e.Outcome)).
			Msg("primary audit write failed")
		return nil, fmt.Errorf("record audit event: %w", err)
	}

	res := &Result{PrimaryID: e.ID}
	if r.mirror == nil {
		return res, nil
	}

	mctx, mcancel := context.WithTimeout(detached, r.mirrorTimeout)
	defer mcancel()
	mirrorID, err := r.mirror.Write(mctx, e)
	if err != nil {
		r.logger.Warn().Err(err).Str("event_id", e.ID.String()).Msg("audit mirror write failed")
		if r.onMirrorFailure != nil {
			r.onMirrorFailure(ctx)
		}
		return res, nil
	}
	res.SecondaryID = mirrorID

	if err := r.repo.SetMirrorID(mctx, e.ID, mirrorID); err != nil {
		r.logger.Warn().Err(err).
			Str("event_id", e.ID.String()).
			Str("mirror_id", mirrorID).
			Msg("audit mirror back-link failed")
		return res, nil
	}
	e.MirrorID = mirrorID
	return res, nil
}

// List returns primary events newest first.
func (r *Recorder) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	return r.repo.List(ctx, f, limit, offset)
}
