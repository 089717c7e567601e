package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// currentDay 当前日志文件对应的交易日（yyyy-mm-dd）
	currentDay string
	// fileWriter 当前文件输出
	fileWriter *lumberjack.Logger
	// logMu 日志文件切换锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string         // 日志级别: debug, info, warn, error
	OutputFile string         // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int            // 日志文件最大大小（MB）
	MaxBackups int            // 保留的旧日志文件数量
	MaxAge     int            // 保留旧日志文件的天数
	Compress   bool           // 是否压缩旧日志文件
	LogByDay   bool           // 是否按交易日命名日志文件
	JSON       bool           // 输出 JSON 格式（便于结构化采集）
	Location   *time.Location // 交易日所在时区（默认 Asia/Seoul）
}

func (c Config) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*3600)
}

// dayFileName 根据交易日生成日志文件名：logs/trader.log -> logs/trader_2025-01-02.log
func dayFileName(basePath, day string) string {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	file := fmt.Sprintf("%s_%s%s", name, day, ext)
	if dir == "." || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}

func newFormatter(cfg Config) logrus.Formatter {
	if cfg.JSON {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	}
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()
	return initLocked(config, time.Now())
}

func initLocked(config Config, now time.Time) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if config.OutputFile != "" {
		path := config.OutputFile
		if config.LogByDay {
			currentDay = now.In(config.location()).Format("2006-01-02")
			path = dayFileName(config.OutputFile, currentDay)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if fileWriter != nil {
			_ = fileWriter.Close()
		}
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
		currentLogFile = path
	}
	out := io.MultiWriter(writers...)

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(newFormatter(config))
	l.SetOutput(out)

	// 同时设置全局 logrus，组件日志（logrus.WithField）也写入同一文件
	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(config))

	Logger = l
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/trader.log",
		MaxSize:    100, // 100MB
		MaxBackups: 3,
		MaxAge:     7, // 7天
		Compress:   true,
		LogByDay:   true,
	})
}

// RotateIfDayChanged 交易日变化时切换日志文件
func RotateIfDayChanged(config Config, now time.Time) (bool, error) {
	if !config.LogByDay || config.OutputFile == "" {
		return false, nil
	}
	logMu.Lock()
	defer logMu.Unlock()

	day := now.In(config.location()).Format("2006-01-02")
	if day == currentDay {
		return false, nil
	}
	old := currentLogFile
	if err := initLocked(config, now); err != nil {
		return false, err
	}
	Logger.Infof("日志文件已切换: %s -> %s", old, currentLogFile)
	return true, nil
}

// StartDayRotation 每分钟检查一次交易日是否变化
func StartDayRotation(ctx context.Context, config Config) {
	if !config.LogByDay || config.OutputFile == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := RotateIfDayChanged(config, now); err != nil {
					Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Debugf 记录格式化的 DEBUG 级别日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Info 记录 INFO 级别日志
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}

// WithFields 添加多个字段到日志上下文
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger != nil {
		return Logger.WithFields(fields)
	}
	return logrus.WithFields(fields)
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
