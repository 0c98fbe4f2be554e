package resource

import (
	"fmt"
)

// Level is the memory pressure level.
type Level int32

const (
	Normal Level = iota
	Warning
	Critical
	Emergency
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

// Thresholds are usage percentages of total memory.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
	// Shutdown is the usage above which an offload is considered failed.
	Shutdown float64
	// Hysteresis is how far below a level's lower bound usage must fall
	// before the level is left.
	Hysteresis float64
}

// DefaultThresholds returns 80/90/95/98 with 2 points of hysteresis.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 80, Critical: 90, Emergency: 95, Shutdown: 98, Hysteresis: 2}
}

// Validate checks the thresholds are ordered and within (0,100].
func (t Thresholds) Validate() error {
	if !(0 < t.Warning && t.Warning < t.Critical && t.Critical < t.Emergency && t.Emergency < t.Shutdown && t.Shutdown <= 100) {
		return fmt.Errorf("resource: thresholds must satisfy 0 < warning < critical < emergency < shutdown <= 100, got %v/%v/%v/%v",
			t.Warning, t.Critical, t.Emergency, t.Shutdown)
	}
	if t.Hysteresis < 0 {
		return fmt.Errorf("resource: negative hysteresis %v", t.Hysteresis)
	}
	return nil
}

// Classify maps usage to a level without hysteresis.
func (t Thresholds) Classify(usage float64) Level {
	switch {
	case usage > t.Emergency:
		return Emergency
	case usage >= t.Critical:
		return Critical
	case usage >= t.Warning:
		return Warning
	default:
		return Normal
	}
}

func (t Thresholds) lowerBound(l Level) float64 {
	switch l {
	case Warning:
		return t.Warning
	case Critical:
		return t.Critical
	case Emergency:
		return t.Emergency
	default:
		return 0
	}
}

// Next returns the level after observing usage at level cur. Rising
// pressure escalates immediately; a level is only left once usage drops
// Hysteresis points below its lower bound.
func (t Thresholds) Next(cur Level, usage float64) Level {
	raw := t.Classify(usage)
	if raw >= cur {
		return raw
	}
	l := cur
	for l > raw && usage < t.lowerBound(l)-t.Hysteresis {
		l--
	}
	return l
}
