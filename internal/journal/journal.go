// Package journal 把总线事件落到 SQLite，供盘后复盘。
// 写入在独立 goroutine 中批量进行，失败只记日志，不影响交易路径。
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"expvar"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/krxtrader/internal/events"
)

var journalLog = logrus.WithField("component", "journal")

var (
	written = expvar.NewInt("journal_written")
	failed  = expvar.NewInt("journal_failed")
)

// Config 日志库参数
type Config struct {
	Path          string
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
}

// Record 一条落库事件
type Record struct {
	ID      int64     `json:"id"`
	RunID   string    `json:"run_id"`
	Kind    string    `json:"kind"`
	Code    string    `json:"code"`
	Time    time.Time `json:"time"`
	Line    string    `json:"line"`
	Payload string    `json:"payload"`
}

// Writer 订阅总线并批量写入 events 表
type Writer struct {
	cfg   Config
	db    *sql.DB
	runID string
}

// Open 打开（或创建）日志库并建表
func Open(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir journal dir")
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接
	db.SetMaxIdleConns(1)

	w := &Writer{cfg: cfg, db: db, runID: uuid.NewString()}
	if err := w.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  code TEXT NOT NULL,
  ts INTEGER NOT NULL,
  line TEXT NOT NULL,
  payload TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_events_code_ts ON events(code, ts);`,
	}
	for _, q := range stmts {
		if _, err := w.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "migrate exec failed")
		}
	}
	return nil
}

// RunID 本次运行的标识
func (w *Writer) RunID() string { return w.runID }

// Attach 订阅总线并在后台写入，ctx 结束或总线关闭时冲刷剩余事件后返回。
func (w *Writer) Attach(ctx context.Context, bus *events.Bus) <-chan struct{} {
	ch, unsubscribe := bus.Subscribe("journal", w.cfg.Buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		w.consume(ctx, ch)
	}()
	return done
}

func (w *Writer) consume(ctx context.Context, ch <-chan events.Event) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.WriteBatch(context.Background(), batch); err != nil {
			failed.Add(int64(len(batch)))
			journalLog.Warnf("写入事件失败(%d条): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// 把通道里已有的取完
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						flush()
						return
					}
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// WriteBatch 在一个事务中写入一批事件
func (w *Writer) WriteBatch(ctx context.Context, batch []events.Event) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events(run_id, kind, code, ts, line, payload) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			payload = []byte("{}")
		}
		if _, err := stmt.ExecContext(ctx, w.runID, string(ev.EventKind()), ev.EventCode(), ev.EventTime().UnixMilli(), ev.Line(), string(payload)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert %s event", ev.EventKind())
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	written.Add(int64(len(batch)))
	return nil
}

// Recent 最近 limit 条事件（新到旧）；code 为空时不过滤
func (w *Writer) Recent(ctx context.Context, code string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	q := `SELECT id, run_id, kind, code, ts, line, payload FROM events`
	args := []any{}
	if code != "" {
		q += ` WHERE code = ?`
		args = append(args, code)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := w.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			ts int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Kind, &r.Code, &ts, &r.Line, &r.Payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		r.Time = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

// Close 关闭数据库
func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
