// Package recorder 旁路记录逐笔行情到本地 parquet 文件，每个交易日一个文件。
package recorder

import (
	"context"
	"expvar"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/betbot/krxtrader/internal/domain"
)

var recorderLog = logrus.WithField("component", "tick_recorder")

var (
	recorded = expvar.NewInt("recorder_ticks")
	skipped  = expvar.NewInt("recorder_dropped")
)

// tickRecord parquet 行结构
type tickRecord struct {
	Code      string  `parquet:"name=code, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price     int64   `parquet:"name=price, type=INT64"`
	Qty       int64   `parquet:"name=qty, type=INT64"`
	ChangePct float64 `parquet:"name=change_pct, type=DOUBLE"`
	VolumeSum int64   `parquet:"name=volume_sum, type=INT64"`
	AmountSum int64   `parquet:"name=amount_sum, type=INT64"`
	BestBid   int64   `parquet:"name=best_bid, type=INT64"`
	BestAsk   int64   `parquet:"name=best_ask, type=INT64"`
}

func toRecord(t domain.Tick) tickRecord {
	return tickRecord{
		Code:      t.Code,
		EventTime: t.Time.UnixMilli(),
		Price:     int64(t.Price),
		Qty:       int64(t.Qty),
		ChangePct: t.ChangePct,
		VolumeSum: t.VolumeSum,
		AmountSum: t.AmountSum,
		BestBid:   int64(t.BestBid),
		BestAsk:   int64(t.BestAsk),
	}
}

type dayFile struct {
	day  string
	path string
	fw   source.ParquetFile
	pw   *writer.ParquetWriter
}

func (f *dayFile) close() error {
	if err := f.pw.WriteStop(); err != nil {
		_ = f.fw.Close()
		return errors.Wrapf(err, "write stop %s", f.path)
	}
	return errors.Wrapf(f.fw.Close(), "close %s", f.path)
}

// TickRecorder 有界队列 + 专用写协程；队列满时丢弃，不阻塞行情路径。
type TickRecorder struct {
	dir   string
	runID string
	ch    chan domain.Tick

	mu    sync.Mutex
	cur   *dayFile
	files []string

	sendMu  sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}
}

// New 创建记录器；dir 为空时返回 nil（关闭）
func New(dir, runID string, buffer int) (*TickRecorder, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir recorder dir")
	}
	if buffer <= 0 {
		buffer = 8192
	}
	return &TickRecorder{
		dir:   dir,
		runID: runID,
		ch:    make(chan domain.Tick, buffer),
		done:  make(chan struct{}),
	}, nil
}

// Record 投递一笔行情（非阻塞）
func (r *TickRecorder) Record(t domain.Tick) {
	if r == nil {
		return
	}
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- t:
	default:
		skipped.Add(1)
	}
}

// Run 写协程，直到 ctx 结束或 Close；退出前关闭当前文件
func (r *TickRecorder) Run(ctx context.Context) {
	if r == nil || !r.started.CompareAndSwap(false, true) {
		return
	}
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.closeCurrent()
			return
		case t, ok := <-r.ch:
			if !ok {
				r.closeCurrent()
				return
			}
			r.write(t)
		}
	}
}

func (r *TickRecorder) drain() {
	for {
		select {
		case t, ok := <-r.ch:
			if !ok {
				return
			}
			r.write(t)
		default:
			return
		}
	}
}

func (r *TickRecorder) write(t domain.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := domain.TradingDay(t.Time)
	if r.cur == nil || r.cur.day != day {
		if r.cur != nil {
			if err := r.cur.close(); err != nil {
				recorderLog.Warnf("关闭行情文件失败: %v", err)
			}
			r.cur = nil
		}
		f, err := r.open(day)
		if err != nil {
			recorderLog.Warnf("创建行情文件失败: %v", err)
			return
		}
		r.cur = f
	}
	if err := r.cur.pw.Write(toRecord(t)); err != nil {
		recorderLog.Warnf("写入行情失败 %s: %v", t.Code, err)
		return
	}
	recorded.Add(1)
}

func (r *TickRecorder) open(day string) (*dayFile, error) {
	name := fmt.Sprintf("ticks_%s.parquet", day)
	if r.runID != "" {
		name = fmt.Sprintf("ticks_%s_%s.parquet", day, r.runID)
	}
	path := filepath.Join(r.dir, name)
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	pw, err := writer.NewParquetWriter(fw, new(tickRecord), 1)
	if err != nil {
		_ = fw.Close()
		return nil, errors.Wrap(err, "new parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	r.files = append(r.files, path)
	recorderLog.Infof("行情记录文件: %s", path)
	return &dayFile{day: day, path: path, fw: fw, pw: pw}, nil
}

func (r *TickRecorder) closeCurrent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return
	}
	if err := r.cur.close(); err != nil {
		recorderLog.Warnf("关闭行情文件失败: %v", err)
	}
	r.cur = nil
}

// Close 停止接收并等待写协程把队列写完
func (r *TickRecorder) Close() {
	if r == nil {
		return
	}
	r.sendMu.Lock()
	if r.closed {
		r.sendMu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.sendMu.Unlock()

	if !r.started.CompareAndSwap(false, true) {
		<-r.done
		return
	}
	// 写协程没启动：同步写完
	for t := range r.ch {
		r.write(t)
	}
	r.closeCurrent()
	close(r.done)
}

// Files 已创建的文件路径
func (r *TickRecorder) Files() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}
