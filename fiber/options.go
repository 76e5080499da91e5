// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-fiber/internal/logx"
)

// schedulerOptions holds configuration options for Scheduler and IOManager
// creation.
type schedulerOptions struct {
	logger      *logx.Logger
	maxIdleWait time.Duration
	loggerSet   bool
}

// --- Scheduler Options ---

// Option configures a Scheduler or IOManager instance.
type Option interface {
	applyScheduler(*schedulerOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applySchedulerFunc func(*schedulerOptions) error
}

func (o *optionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applySchedulerFunc(opts)
}

// WithLogger sets the logger used for lifecycle events, fiber failures and
// I/O errors. A nil logger disables logging. Defaults to the process logger.
func WithLogger(logger *logx.Logger) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		opts.loggerSet = true
		return nil
	}}
}

// WithMaxIdleWait bounds how long an idle thread blocks before re-checking
// its stop condition and timers. Defaults to the iomanager.max_idle_wait
// config value, read on every wait.
func WithMaxIdleWait(d time.Duration) Option {
	return &optionImpl{func(opts *schedulerOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: max idle wait must be positive, got %s", ErrInvalidOption, d)
		}
		opts.maxIdleWait = d
		return nil
	}}
}

// resolveOptions applies Option instances to schedulerOptions.
func resolveOptions(opts []Option) (*schedulerOptions, error) {
	cfg := &schedulerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	if !cfg.loggerSet {
		cfg.logger = logx.Default()
	}
	return cfg, nil
}
