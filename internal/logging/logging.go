package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Options selects level, format and the optional daily log files.
type Options struct {
	Level  string
	Format string // text | json
	Dir    string
	ToFile bool
	Stdout io.Writer
	Now    func() time.Time
}

// New builds the process logger. With ToFile set, every entry also goes to
// <dir>/app_YYYYMMDD.log and error-and-above entries additionally go to
// <dir>/app_errors_YYYYMMDD.log. The returned close func releases both files.
func New(opts Options) (*logrus.Logger, func() error, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Dir == "" {
		opts.Dir = "logs"
	}

	logger := logrus.New()
	logger.SetOutput(opts.Stdout)
	logger.SetFormatter(formatter(opts.Format))

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		logger.Warnf("invalid log level %q, defaulting to info", opts.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if !opts.ToFile {
		return logger, func() error { return nil }, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	day := opts.Now().Format("20060102")
	appFile, err := openAppend(filepath.Join(opts.Dir, "app_"+day+".log"))
	if err != nil {
		return nil, nil, err
	}
	errFile, err := openAppend(filepath.Join(opts.Dir, "app_errors_"+day+".log"))
	if err != nil {
		_ = appFile.Close()
		return nil, nil, err
	}

	// Files always get the full text layout regardless of the console format.
	fileFormat := &logrus.TextFormatter{FullTimestamp: true, DisableColors: true}
	logger.AddHook(&FileHook{Writer: appFile, Formatter: fileFormat, LogLevels: logrus.AllLevels})
	logger.AddHook(&FileHook{
		Writer:    errFile,
		Formatter: fileFormat,
		LogLevels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel},
	})

	closeFn := func() error {
		err1 := appFile.Close()
		err2 := errFile.Close()
		if err1 != nil {
			return err1
		}
		return err2
	}
	return logger, closeFn, nil
}

func formatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{}
	}
	return &logrus.TextFormatter{FullTimestamp: true}
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}

// FileHook copies entries of the selected levels to Writer.
type FileHook struct {
	mu        sync.Mutex
	Writer    io.Writer
	Formatter logrus.Formatter
	LogLevels []logrus.Level
}

func (h *FileHook) Levels() []logrus.Level {
	return h.LogLevels
}

func (h *FileHook) Fire(entry *logrus.Entry) error {
	line, err := h.Formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.Writer.Write(line)
	return err
}
