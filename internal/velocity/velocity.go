// Package velocity provides per-device transaction velocity tracking.
package velocity

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Tracker keeps a fixed-capacity ring of recent transaction timestamps per
// device and counts how many fall within a trailing window. The number of
// tracked devices is bounded; the least recently seen device is evicted
// when a shard is full.
type Tracker struct {
	window   time.Duration
	capacity int
	perShard int
	shards   [shardCount]*shard
}

type shard struct {
	mu      sync.Mutex
	devices map[string]*ring
}

// ring is a fixed-capacity circular log of timestamps.
type ring struct {
	times    []time.Time
	next     int
	size     int
	lastSeen time.Time
}

// NewTracker creates a tracker. capacity is the number of timestamps kept
// per device and maxDevices bounds memory across all devices.
func NewTracker(window time.Duration, capacity, maxDevices int) (*Tracker, error) {
	if window <= 0 {
		return nil, fmt.Errorf("velocity window must be positive")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("velocity capacity must be positive")
	}
	if maxDevices <= 0 {
		return nil, fmt.Errorf("max tracked devices must be positive")
	}

	perShard := maxDevices / shardCount
	if perShard < 1 {
		perShard = 1
	}

	t := &Tracker{window: window, capacity: capacity, perShard: perShard}
	for i := range t.shards {
		t.shards[i] = &shard{devices: make(map[string]*ring)}
	}
	return t, nil
}

// Record appends a transaction at time at for deviceID and returns the
// number of recorded transactions, including this one, within the window
// ending at at.
func (t *Tracker) Record(deviceID string, at time.Time) int {
	s := t.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.devices[deviceID]
	if !ok {
		if len(s.devices) >= t.perShard {
			s.evictOldest()
		}
		r = &ring{times: make([]time.Time, t.capacity)}
		s.devices[deviceID] = r
	}

	r.times[r.next] = at
	r.next = (r.next + 1) % len(r.times)
	if r.size < len(r.times) {
		r.size++
	}
	r.lastSeen = at

	return r.countSince(at.Add(-t.window))
}

// Count returns the number of transactions for deviceID within the window
// ending at at, without recording one.
func (t *Tracker) Count(deviceID string, at time.Time) int {
	s := t.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.devices[deviceID]
	if !ok {
		return 0
	}
	return r.countSince(at.Add(-t.window))
}

// Len returns the number of tracked devices.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.devices)
		s.mu.Unlock()
	}
	return n
}

func (t *Tracker) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return t.shards[h.Sum32()%shardCount]
}

func (s *shard) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, r := range s.devices {
		if first || r.lastSeen.Before(oldest) {
			oldestKey, oldest, first = k, r.lastSeen, false
		}
	}
	if !first {
		delete(s.devices, oldestKey)
	}
}

func (r *ring) countSince(since time.Time) int {
	n := 0
	for i := 0; i < r.size; i++ {
		if r.times[i].After(since) {
			n++
		}
	}
	return n
}
