// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tokens

import (
	"math"
	"sync"
	"time"
)

// Tracker measures per-stream elapsed time, token counts and running rates.
// Keys are caller-chosen (member ids); a Tracker is shared by the concurrent
// member tasks of one stage.
type Tracker struct {
	mu          sync.Mutex
	startTimes  map[string]time.Time
	thinkingEnd map[string]time.Time
	tokenCounts map[string]int

	now func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		startTimes:  make(map[string]time.Time),
		thinkingEnd: make(map[string]time.Time),
		tokenCounts: make(map[string]int),
		now:         time.Now,
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func (t *Tracker) ensureStarted(key string, now time.Time) {
	if _, ok := t.startTimes[key]; !ok {
		t.startTimes[key] = now
		t.tokenCounts[key] = 0
	}
}

func (t *Tracker) rateLocked(key string, now time.Time) float64 {
	elapsed := now.Sub(t.startTimes[key]).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return round1(float64(t.tokenCounts[key]) / elapsed)
}

// RecordThinking accounts a reasoning delta and returns the running rate in
// tokens per second.
func (t *Tracker) RecordThinking(key, delta string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.ensureStarted(key, now)
	if delta != "" {
		t.tokenCounts[key] += Estimate(delta)
	}
	return t.rateLocked(key, now)
}

// RecordContent accounts a content delta and returns the running rate.
// The first content delta marks the end of the thinking phase.
func (t *Tracker) RecordContent(key, delta string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.ensureStarted(key, now)
	if _, ok := t.thinkingEnd[key]; !ok {
		t.thinkingEnd[key] = now
	}
	t.tokenCounts[key] += Estimate(delta)
	return t.rateLocked(key, now)
}

// Elapsed returns the seconds since the stream started, rounded to 0.1s.
func (t *Tracker) Elapsed(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.startTimes[key]
	if !ok {
		return 0
	}
	return round1(t.now().Sub(start).Seconds())
}

// FinalRate returns the overall tokens-per-second for a finished stream.
func (t *Tracker) FinalRate(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	start, ok := t.startTimes[key]
	if !ok {
		return 0
	}
	elapsed := t.now().Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return round1(float64(t.tokenCounts[key]) / elapsed)
}

// Count returns the tokens observed for a key so far.
func (t *Tracker) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokenCounts[key]
}
