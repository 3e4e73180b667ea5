// Package autoquery generates queries on a timer and feeds them to a
// publisher worker in place of requests read from its connection.
package autoquery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/cron"
	"github.com/influxdata/queryrelay"
	"github.com/influxdata/queryrelay/logger"
	"github.com/influxdata/queryrelay/query"
	"go.uber.org/zap"
)

// DefaultBufferSize is the number of generated queries held while the
// publisher is busy.
const DefaultBufferSize = 128

// Schedule emits JSON once after Delay, then every Period. A zero Period
// emits once. When Cron is set the query is emitted at every time the
// expression matches instead, and Delay and Period are ignored.
type Schedule struct {
	Delay  time.Duration
	Period time.Duration
	Cron   string
	JSON   []byte
}

// ParseCron validates a cron expression. Times are in UTC.
func ParseCron(expr string) error {
	_, err := parseCron(expr)
	return err
}

func parseCron(expr string) (cron.Parsed, error) {
	p, err := cron.ParseUTC(expr)
	if err != nil {
		return p, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return p, nil
}

// Service runs a set of schedules and delivers their queries on C.
type Service struct {
	Logger *zap.Logger
	Clock  clock.Clock

	schedules []Schedule
	out       chan *queryrelay.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService returns a service for schedules.
func NewService(schedules ...Schedule) *Service {
	return &Service{
		Logger:    zap.NewNop(),
		Clock:     clock.New(),
		schedules: schedules,
		out:       make(chan *queryrelay.Message, DefaultBufferSize),
	}
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(log *zap.Logger) {
	s.Logger = log.With(logger.Service("autoquery"))
}

// C returns the channel generated queries are sent on.
func (s *Service) C() <-chan *queryrelay.Message {
	return s.out
}

// Open starts every schedule. Each schedule's first deadline is taken from
// the clock before Open returns.
func (s *Service) Open(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	parsed := make([]cron.Parsed, len(s.schedules))
	for i, sch := range s.schedules {
		if sch.Cron == "" {
			continue
		}
		p, err := parseCron(sch.Cron)
		if err != nil {
			return &queryrelay.Error{Code: queryrelay.EConfig, Op: "autoquery.Open", Err: err}
		}
		parsed[i] = p
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for i, sch := range s.schedules {
		if sch.Cron != "" {
			now := s.Clock.Now()
			at, err := parsed[i].Next(now)
			if err != nil {
				s.Logger.Info("Cron expression never fires", zap.String("cron", sch.Cron), zap.Error(err))
				continue
			}
			s.Logger.Info("Starting scheduled query", zap.String("cron", sch.Cron), zap.Time("next", at))

			timer := s.Clock.Timer(at.Sub(now))
			s.wg.Add(1)
			go s.runCron(ctx, sch, parsed[i], timer)
			continue
		}

		s.Logger.Info("Starting scheduled query",
			logger.DurationLiteral("delay", sch.Delay),
			logger.DurationLiteral("period", sch.Period))

		timer := s.Clock.Timer(sch.Delay)
		s.wg.Add(1)
		go s.run(ctx, sch, timer)
	}
	return nil
}

// Close stops every schedule and waits for them to exit.
func (s *Service) Close() error {
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	return nil
}

func (s *Service) run(ctx context.Context, sch Schedule, timer *clock.Timer) {
	defer s.wg.Done()
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}

	if sch.Period <= 0 {
		s.emit(ctx, sch)
		return
	}

	// The ticker starts before the first emit so its schedule does not
	// drift by however long the emit blocks.
	ticker := s.Clock.Ticker(sch.Period)
	defer ticker.Stop()

	for {
		if !s.emit(ctx, sch) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runCron(ctx context.Context, sch Schedule, expr cron.Parsed, timer *clock.Timer) {
	defer s.wg.Done()

	for {
		var fired time.Time
		select {
		case fired = <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		// Arm the next deadline before emitting so a slow publisher does
		// not push it back.
		at, err := expr.Next(fired)
		if err != nil {
			s.emit(ctx, sch)
			return
		}
		timer = s.Clock.Timer(at.Sub(s.Clock.Now()))
		if !s.emit(ctx, sch) {
			timer.Stop()
			return
		}
	}
}

// emit sends a freshly encoded query, blocking while the buffer is full.
// It reports false when ctx is done.
func (s *Service) emit(ctx context.Context, sch Schedule) bool {
	m := queryrelay.NewMessage(query.Encode(query.Message{JSON: sch.JSON}))
	select {
	case s.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
