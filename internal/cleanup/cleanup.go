// Package cleanup deletes rooms that have been idle too long, together with
// their files.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomchat/internal/utils"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const (
	DefaultIdle = 24 * time.Hour
	DefaultCron = "0 * * * *"

	retryAfterBadTick = 30 * time.Second
)

var ErrBadCron = errors.New("cleanup: invalid cron expression")

// Rooms is the part of the store the sweep needs.
type Rooms interface {
	ExpiredRooms(ctx context.Context, cutoff time.Time) ([]string, error)
	DeleteRoom(ctx context.Context, code string) error
}

type Blobs interface {
	DeleteRoom(ctx context.Context, room string) (int, error)
}

// Result summarizes one sweep.
type Result struct {
	Expired int
	Deleted int
	Files   int
	Failed  int
}

type Option func(*Sweeper)

func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) { s.log = utils.OrNop(l) }
}

func WithIdle(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.idle = d
		}
	}
}

func WithCron(expr string) Option {
	return func(s *Sweeper) {
		if expr != "" {
			s.cron = expr
		}
	}
}

type Sweeper struct {
	rooms Rooms
	blobs Blobs
	log   *zap.Logger
	idle  time.Duration
	cron  string

	mu      sync.Mutex
	running bool
}

// New builds a sweeper. blobs may be nil when files are not stored.
func New(rooms Rooms, blobs Blobs, opts ...Option) (*Sweeper, error) {
	s := &Sweeper{
		rooms: rooms,
		blobs: blobs,
		log:   zap.NewNop(),
		idle:  DefaultIdle,
		cron:  DefaultCron,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !gronx.New().IsValid(s.cron) {
		return nil, fmt.Errorf("%w: %q", ErrBadCron, s.cron)
	}
	return s, nil
}

// RunOnce deletes every room idle since before now minus the idle
// threshold. A room's files go first so rows are never removed while their
// files remain. A failed room is logged and left for the next run.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	codes, err := s.rooms.ExpiredRooms(ctx, now.Add(-s.idle))
	if err != nil {
		return res, fmt.Errorf("list expired rooms: %w", err)
	}
	res.Expired = len(codes)

	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if s.blobs != nil {
			n, err := s.blobs.DeleteRoom(ctx, code)
			if err != nil {
				s.log.Error("cleanup_files_failed", zap.String("room", code), zap.Error(err))
				res.Failed++
				continue
			}
			res.Files += n
		}
		if err := s.rooms.DeleteRoom(ctx, code); err != nil {
			s.log.Error("cleanup_room_failed", zap.String("room", code), zap.Error(err))
			res.Failed++
			continue
		}
		res.Deleted++
		s.log.Info("room_expired", zap.String("room", code))
	}
	return res, nil
}

// runJob skips the tick when the previous run is still going.
func (s *Sweeper) runJob(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("cleanup_run_skipped")
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	res, err := s.RunOnce(ctx, start)
	if err != nil {
		s.log.Error("cleanup_run_error", zap.Error(err))
		return true
	}
	s.log.Info("cleanup_run_done",
		zap.Int("expired", res.Expired),
		zap.Int("deleted", res.Deleted),
		zap.Int("files", res.Files),
		zap.Int("failed", res.Failed),
		zap.Duration("took", time.Since(start)))
	return true
}

// Start runs the sweep on the cron schedule until ctx ends.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("cleanup_enabled", zap.String("cron", s.cron), zap.Duration("idle", s.idle))
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			s.log.Error("cleanup_nexttick_failed", zap.String("cron", s.cron), zap.Error(err))
			select {
			case <-time.After(retryAfterBadTick):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			go s.runJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}
