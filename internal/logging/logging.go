package logging

import (
	"github.com/rs/xid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the run logger.
type Options struct {
	Verbose bool
	// OutputPaths defaults to stderr. The progress display sends logs to a
	// file instead so they do not tear the screen.
	OutputPaths []string
}

// New builds the sugared logger for one run. Every entry carries a run id so
// interleaved logs from cron jobs can be told apart.
func New(o Options) (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if o.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if len(o.OutputPaths) > 0 {
		cfg.OutputPaths = o.OutputPaths
		cfg.ErrorOutputPaths = o.OutputPaths
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar().With("run", RunID()), nil
}

// RunID returns a new sortable run identifier.
func RunID() string { return xid.New().String() }
