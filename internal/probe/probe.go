// Package probe samples a digital signal once per cycle and summarises it.
package probe

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// Signal returns the current level of what is being probed.
type Signal func() bool

// Probe records one signal.
type Probe struct {
	name   string
	signal Signal

	samples   []float64
	lastLevel bool
	lastRise  int
	rises     int
	intervals []float64
}

// New returns a probe on signal.
func New(name string, signal Signal) *Probe {
	return &Probe{name: name, signal: signal, lastRise: -1}
}

func (p *Probe) Name() string { return p.name }

// Sample records the signal level for the current cycle.
func (p *Probe) Sample() {
	level := p.signal()
	n := len(p.samples)
	if level && !p.lastLevel && n > 0 {
		if p.lastRise >= 0 {
			p.intervals = append(p.intervals, float64(n-p.lastRise))
		}
		p.lastRise = n
		p.rises++
	}
	p.lastLevel = level
	if level {
		p.samples = append(p.samples, 1)
	} else {
		p.samples = append(p.samples, 0)
	}
}

// Samples returns how many cycles were recorded.
func (p *Probe) Samples() int { return len(p.samples) }

// Summary is the digest of a probe.
type Summary struct {
	Name      string
	Samples   int
	Duty      float64 // fraction of samples that were high
	Rises     int
	Period    float64 // mean cycles between rising edges
	PeriodStd float64
}

// Summary computes duty cycle and rising-edge period statistics.
func (p *Probe) Summary() Summary {
	s := Summary{Name: p.name, Samples: len(p.samples), Rises: p.rises}
	if len(p.samples) > 0 {
		s.Duty = stat.Mean(p.samples, nil)
	}
	switch len(p.intervals) {
	case 0:
	case 1:
		s.Period = p.intervals[0]
	default:
		s.Period, s.PeriodStd = stat.MeanStdDev(p.intervals, nil)
	}
	return s
}

// Reset drops all samples.
func (p *Probe) Reset() {
	p.samples = p.samples[:0]
	p.intervals = p.intervals[:0]
	p.lastLevel = false
	p.lastRise = -1
	p.rises = 0
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d samples, duty %.2f%%, %d rises, period %.1f±%.1f cycles",
		s.Name, s.Samples, 100*s.Duty, s.Rises, s.Period, s.PeriodStd)
}
