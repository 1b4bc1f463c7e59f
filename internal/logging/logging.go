// Package logging builds the process logger and the per-role log files.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding for the root logger.
type Config struct {
	Level  string
	Format string
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// New returns a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if cfg.Level == "" {
		level, err = zapcore.InfoLevel, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	core := zapcore.NewCore(newEncoder(strings.ToLower(cfg.Format)), zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

// RoleLoggers hands out one append-only JSON log file per agent role.
// Entries are mirrored to the parent logger with a role field.
type RoleLoggers struct {
	Dir    string
	Parent *zap.Logger

	mu    sync.Mutex
	files map[string]*os.File
	logs  map[string]*zap.Logger
}

func NewRoleLoggers(dir string, parent *zap.Logger) *RoleLoggers {
	if parent == nil {
		parent = zap.NewNop()
	}
	return &RoleLoggers{Dir: dir, Parent: parent, files: map[string]*os.File{}, logs: map[string]*zap.Logger{}}
}

// For returns the logger for role, opening <dir>/<role>.log on first use.
func (r *RoleLoggers) For(role string) (*zap.Logger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[role]; ok {
		return l, nil
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(r.Path(role), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open role log: %w", err)
	}
	fileCore := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(f), zapcore.DebugLevel)
	l := zap.New(zapcore.NewTee(r.Parent.Core(), fileCore)).With(zap.String("role", role))
	r.files[role] = f
	r.logs[role] = l
	return l, nil
}

// Path is the file backing role's log.
func (r *RoleLoggers) Path(role string) string {
	return filepath.Join(r.Dir, role+".log")
}

// Close syncs and closes every opened file.
func (r *RoleLoggers) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for role, f := range r.files {
		_ = r.logs[role].Sync()
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.files = map[string]*os.File{}
	r.logs = map[string]*zap.Logger{}
	return errors.Join(errs...)
}

// Sync flushes l, ignoring the EINVAL/ENOTTY returned for terminals.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
