package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	// Path defaults to ./throttleq.log.
	Path string
}

const defaultLogFile = "./throttleq.log"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Service owns the process log sinks and can replace them at runtime.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File

	zl atomic.Pointer[zerolog.Logger]
}

// NewService applies cfg and returns the service with a root Logger bound
// to it.
func NewService(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() *zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return zl
	}
	return &nopLogger
}

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply rebuilds the sinks from cfg. When no sink is enabled, or the file
// cannot be opened, output falls back to the console.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(Stdout()))
	}

	var file *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: %v\n", err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	s.zl.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.cfg = cfg
}

// Close releases the file sink. Later writes go to the console.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	zl := zerolog.New(consoleWriter(Stdout())).Level(ParseLevel(s.cfg.Level)).With().Timestamp().Logger()
	s.zl.Store(&zl)
	err := s.file.Close()
	s.file = nil
	return err
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// Stdout and Stderr are the process streams used by console sinks.
func Stdout() io.Writer { return os.Stdout }

func Stderr() io.Writer { return os.Stderr }
