// Package scheduler drives periodic settlement sweeps with robfig/cron.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Ticker sweeps every active position once and reports how many settled.
type Ticker interface {
	TickAll(ctx context.Context) (int, error)
}

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New builds a runner whose specs accept an optional seconds field. A job
// still running when its next slot fires is skipped.
func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() { job(r.baseCtx) })
}

// AddTick schedules t.TickAll on spec; each run gets at most timeout.
func (r *Runner) AddTick(spec string, t Ticker, timeout time.Duration) (cron.EntryID, error) {
	return r.Add(spec, tickJob(t, timeout, r.logger))
}

func tickJob(t Ticker, timeout time.Duration, logger *zap.Logger) func(context.Context) {
	return func(ctx context.Context) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		started := time.Now()
		n, err := t.TickAll(ctx)
		if err != nil {
			logger.Warn("scheduler: tick finished with errors", zap.Int("settled", n), zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("scheduler: tick settled positions", zap.Int("settled", n), zap.Duration("took", time.Since(started)))
		}
	}
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.s.Debugw("cron: "+msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.s.Errorw("cron: "+msg, append(kv, "error", err)...)
}
