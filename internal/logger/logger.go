package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*logrus.Logger
	fileLogger *logrus.Logger
	rotator    *lumberjack.Logger
	mu         sync.Mutex
}

var defaultLogger *Logger

func init() {
	// 控制台日志配置
	consoleLogger := logrus.New()
	consoleLogger.SetFormatter(&logrus.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
	})
	consoleLogger.SetOutput(os.Stdout)
	consoleLogger.SetLevel(logrus.DebugLevel)

	// 文件日志在 Setup 之前不落盘
	fileLogger := logrus.New()
	fileLogger.SetFormatter(&logrus.JSONFormatter{
		PrettyPrint:     false,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	fileLogger.SetLevel(logrus.InfoLevel)
	fileLogger.SetOutput(io.Discard)

	defaultLogger = &Logger{
		Logger:     consoleLogger,
		fileLogger: fileLogger,
	}
}

// Setup 设置日志目录与级别，启用 lumberjack 日志轮转
func Setup(logDir, level string) error {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return err
		}
		defaultLogger.Logger.SetLevel(lvl)
		if lvl > logrus.InfoLevel {
			defaultLogger.fileLogger.SetLevel(lvl)
		}
	}

	if defaultLogger.rotator != nil {
		_ = defaultLogger.rotator.Close()
	}
	defaultLogger.rotator = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "meeting-scribe.log"),
		MaxSize:    10,
		MaxBackups: 10,
		MaxAge:     30,
		Compress:   true,
	}
	defaultLogger.fileLogger.SetOutput(defaultLogger.rotator)
	return nil
}

// SetConsoleOutput 替换控制台输出，TUI 占用终端时传入 io.Discard
func SetConsoleOutput(w io.Writer) {
	defaultLogger.Logger.SetOutput(w)
}

// Close 关闭日志文件
func Close() error {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if defaultLogger.rotator == nil {
		return nil
	}
	defaultLogger.fileLogger.SetOutput(io.Discard)
	err := defaultLogger.rotator.Close()
	defaultLogger.rotator = nil
	return err
}

func Infof(format string, args ...any) {
	defaultLogger.Logger.Infof(format, args...)
	defaultLogger.fileLogger.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Logger.Warnf(format, args...)
	defaultLogger.fileLogger.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	defaultLogger.Logger.Errorf(format, args...)
	defaultLogger.fileLogger.Errorf(format, args...)
}

// Fatalf 先写文件再退出
func Fatalf(format string, args ...any) {
	defaultLogger.fileLogger.Errorf(format, args...)
	defaultLogger.Logger.Fatalf(format, args...)
}

func Debugf(format string, args ...any) {
	defaultLogger.Logger.Debugf(format, args...)
	defaultLogger.fileLogger.Debugf(format, args...)
}
