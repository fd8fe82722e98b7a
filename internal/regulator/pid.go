// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package regulator

import (
	"math"
	"time"
)

// Config holds the controller gains and limits. Defaults match a pure
// integral controller targeting 10000 records per chunk with windows
// between 10 and 2000 days, starting at 15 days.
type Config struct {
	Kp       float64
	Ki       float64
	Kd       float64
	Setpoint float64
	SizeMin  int
	SizeMax  int
	// InitialDays is the window size before any feedback arrives.
	InitialDays int
}

// DefaultConfig returns the standard controller tuning.
func DefaultConfig() Config {
	return Config{
		Kp:          0.0,
		Ki:          0.003,
		Kd:          0.0,
		Setpoint:    10000,
		SizeMin:     10,
		SizeMax:     2000,
		InitialDays: 15,
	}
}

// Controller adjusts the chunk window size from observed record counts.
//
// Each Observe call runs one PID step:
//
//	error      = setpoint - actual
//	integral  += error
//	derivative = error - previous error
//	adjustment = kp*error + ki*integral + kd*derivative
//
// and the window size becomes clamp(size + adjustment, SizeMin, SizeMax).
// Chunks over the setpoint shrink the next window, chunks under it grow it.
//
// One Controller belongs to exactly one (site, category) pipeline and is
// not safe for concurrent use. State starts fresh every run; feedback
// never carries across runs.
type Controller struct {
	cfg Config

	integral float64
	prevErr  float64
	size     int
}

// NewController creates a controller with the given tuning. Zero limits
// and a zero initial size fall back to DefaultConfig values; the initial
// size is clamped into [SizeMin, SizeMax].
func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.SizeMin <= 0 {
		cfg.SizeMin = def.SizeMin
	}
	if cfg.SizeMax <= 0 {
		cfg.SizeMax = def.SizeMax
	}
	if cfg.InitialDays <= 0 {
		cfg.InitialDays = def.InitialDays
	}
	if cfg.Setpoint <= 0 {
		cfg.Setpoint = def.Setpoint
	}

	c := &Controller{cfg: cfg}
	c.size = clamp(cfg.InitialDays, cfg.SizeMin, cfg.SizeMax)
	return c
}

// SizeDays returns the current window size in days.
func (c *Controller) SizeDays() int {
	return c.size
}

// NextWindow builds the next chunk window starting at cursor with the
// current size, never extending past now.
func (c *Controller) NextWindow(cursor, now time.Time) Window {
	return NewWindow(cursor, now, c.size)
}

// Observe feeds the record count of the last committed chunk into the
// feedback loop and returns the new window size.
func (c *Controller) Observe(actualCount int) int {
	err := c.cfg.Setpoint - float64(actualCount)
	c.integral += err
	derivative := err - c.prevErr
	c.prevErr = err

	adjustment := c.cfg.Kp*err + c.cfg.Ki*c.integral + c.cfg.Kd*derivative
	c.size = clamp(int(math.Round(float64(c.size)+adjustment)), c.cfg.SizeMin, c.cfg.SizeMax)
	return c.size
}

// Reset clears the accumulated feedback state and restores the initial
// window size.
func (c *Controller) Reset() {
	c.integral = 0
	c.prevErr = 0
	c.size = clamp(c.cfg.InitialDays, c.cfg.SizeMin, c.cfg.SizeMax)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
