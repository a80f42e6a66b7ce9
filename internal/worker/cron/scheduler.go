// Package cron は一括スイープと定期ジョブのスケジューリングを提供する。
package cron

import (
	"context"
	"fmt"
	"log/slog"

	robfig "github.com/robfig/cron/v3"
)

// Job はスケジューラから呼び出されるジョブ。
type Job func(ctx context.Context)

// Scheduler はcron式でジョブを定期実行する。
// 同一ジョブの実行が重なった場合は後続の起動をスキップする。
type Scheduler struct {
	cron   *robfig.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: robfig.New(
			robfig.WithLogger(cl),
			robfig.WithChain(robfig.Recover(cl), robfig.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add はジョブを登録する。specは標準の5フィールドのcron式または@every等の記述子。
func (s *Scheduler) Add(name, spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.logger.Info("定期ジョブを開始します", slog.String("job", name))
		job(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("ジョブ %s の登録に失敗しました（%s）: %w", name, spec, err)
	}
	s.logger.Info("定期ジョブを登録しました",
		slog.String("job", name),
		slog.String("schedule", spec),
	)
	return nil
}

// Run はコンテキストがキャンセルされるまでスケジューラを実行する。
// 終了時は実行中のジョブにキャンセルを伝え、完了を待つ。
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("スケジューラを開始しました", slog.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("スケジューラを停止しました")
}

// cronLogger はrobfig/cronのログをslogに流す。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
