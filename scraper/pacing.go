package scraper

import (
	"math/rand"
	"time"
)

const (
	latencyWindowSize = 20
	latencySampleSize = 5

	// Hard floors the adaptive bounds never drop below.
	delayFloorMin = 500 * time.Millisecond
	delayFloorMax = time.Second

	errorThreshold = 3
	backoffFactor  = 1.5
)

// Pacer derives the delay between page fetches from observed response times
// and consecutive-failure streaks. It only does bookkeeping; the supervisor
// performs the actual wait.
type Pacer struct {
	minDelay time.Duration
	maxDelay time.Duration

	latencies         []time.Duration
	consecutiveErrors int
	backoffs          int

	rand *rand.Rand
}

// NewPacer returns a pacer starting at the hard floor bounds.
func NewPacer() *Pacer {
	return &Pacer{
		minDelay: delayFloorMin,
		maxDelay: delayFloorMax,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RecordLatency appends a fetch latency sample, keeping the most recent
// window.
func (p *Pacer) RecordLatency(d time.Duration) {
	p.latencies = append(p.latencies, d)
	if len(p.latencies) > latencyWindowSize {
		p.latencies = p.latencies[len(p.latencies)-latencyWindowSize:]
	}
}

// RecordError extends the consecutive-failure streak. Reaching the failure
// threshold multiplies both bounds by the backoff factor and resets the
// streak, so repeated failure waves compound the slowdown.
func (p *Pacer) RecordError() {
	p.consecutiveErrors++
	if p.consecutiveErrors >= errorThreshold {
		p.minDelay = time.Duration(float64(p.minDelay) * backoffFactor)
		p.maxDelay = time.Duration(float64(p.maxDelay) * backoffFactor)
		p.consecutiveErrors = 0
		p.backoffs++
	}
}

// RecordSuccess ends the consecutive-failure streak.
func (p *Pacer) RecordSuccess() {
	p.consecutiveErrors = 0
}

// NextDelay returns a delay drawn uniformly from the current [min, max]
// bounds. When latency samples exist the bounds stay proportional to the
// mean of the most recent samples, clamped at the hard floors.
func (p *Pacer) NextDelay() time.Duration {
	if len(p.latencies) > 0 {
		target := p.recentMean() / 2
		p.minDelay = max(delayFloorMin, min(p.minDelay, target))
		p.maxDelay = max(delayFloorMax, min(p.maxDelay, target*3/2))
	}

	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	return p.minDelay + time.Duration(p.rand.Int63n(int64(span)+1))
}

// Bounds reports the current delay bounds.
func (p *Pacer) Bounds() (time.Duration, time.Duration) {
	return p.minDelay, p.maxDelay
}

// Backoffs reports how many times the bounds were widened.
func (p *Pacer) Backoffs() int {
	return p.backoffs
}

func (p *Pacer) recentMean() time.Duration {
	samples := p.latencies
	if len(samples) > latencySampleSize {
		samples = samples[len(samples)-latencySampleSize:]
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return sum / time.Duration(len(samples))
}
