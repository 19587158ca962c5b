// Package klog wraps zap the way edirooss-zmux-server's process manager
// carries a *zap.Logger field on its supervisor: every package in this
// module that needs to log takes a *zap.SugaredLogger rather than
// reaching for fmt.Println, and falls back to a no-op logger when none is
// supplied so library code never panics on a nil logger.
package klog

import "go.uber.org/zap"

// New builds a production-configured, named logger. debug switches to
// zap's development config (human-readable, caller-annotated); cthulhuctl
// sets it from the boot config's debug field.
func New(name string, debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name).Sugar(), nil
}

// NoOp returns a logger that discards everything, used as the default
// when a caller does not supply one.
func NoOp() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNoOp returns l if non-nil, otherwise a no-op logger.
func OrNoOp(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return NoOp()
	}
	return l
}
