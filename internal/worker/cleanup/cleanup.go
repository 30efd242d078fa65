// Package cleanup は期限切れのセッションと確認チャレンジを削除するジョブを提供する。
// 期限切れの行は検証時にも拒否されるため、このジョブはテーブルの肥大化を防ぐためのもの。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authdash/internal/metrics"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DefaultInterval はクリーンアップの実行間隔のデフォルト値。
const DefaultInterval = time.Hour

// target は削除対象のテーブルとクエリ。
type target struct {
	table string
	query string
}

var targets = []target{
	{table: "sessions", query: `DELETE FROM sessions WHERE expires_at <= $1`},
	{table: "verifications", query: `DELETE FROM verifications WHERE expires_at <= $1`},
}

// CleanupJob は期限切れ行の削除ジョブ。
// 冪等な削除処理で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewCleanupJob(db Executor, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		db:      db,
		logger:  logger,
		metrics: collector,
		now:     time.Now,
	}
}

// Run は期限切れのセッションと確認チャレンジを削除する。
// 1テーブルの削除に失敗した時点でエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := j.now()

	var total int64
	for _, t := range targets {
		deleted, err := j.deleteExpired(ctx, t, now)
		if err != nil {
			return err
		}
		total += deleted
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) deleteExpired(ctx context.Context, t target, now time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, t.query, now)
	if err != nil {
		j.logger.Error("期限切れ行の削除に失敗しました",
			slog.String("table", t.table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップの実行に失敗: %w", t.table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("table", t.table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.metrics.RecordCleanupDeleted(t.table, deleted)
	j.logger.Info("期限切れ行を削除しました",
		slog.String("table", t.table),
		slog.Int64("deleted_count", deleted),
	)
	return deleted, nil
}

// Start は指定間隔のティッカーでジョブを実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップワーカーを開始しました",
		slog.Duration("interval", interval),
	)

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップワーカーを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

// runLogged はRunのエラーをログに記録する。失敗しても次回の実行は継続する。
func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
