package hub

import (
	"encoding/json"
	"time"
)

// frame is a broadcast payload tagged with its message id. Frames that are
// not chat messages carry id 0.
type frame struct {
	id   int64
	data []byte
}

func newFrame(data []byte) frame {
	var head struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(data, &head)
	return frame{id: head.ID, data: data}
}

// frameWindow holds the broadcasts a connected client may not have received
// yet. It is only touched from the hub goroutine.
type frameWindow struct {
	frames    []frame
	truncated bool
}

// push appends f, evicting the oldest frame past limit. An eviction means
// the window can no longer vouch for what the client missed.
func (w *frameWindow) push(f frame, limit int) {
	w.frames = append(w.frames, f)
	if len(w.frames) > limit {
		w.frames = w.frames[len(w.frames)-limit:]
		w.truncated = true
	}
}

// trim keeps the newest n frames. Frames older than that have been taken
// off the send queue already.
func (w *frameWindow) trim(n int) {
	if len(w.frames) > n {
		w.frames = append([]frame(nil), w.frames[len(w.frames)-n:]...)
	}
}

// recoveryStore keeps the broadcasts missed by recently disconnected
// sessions so a reconnect carrying the same pid can resume without replay.
// It is only touched from the hub goroutine.
type recoveryStore struct {
	ttl        time.Duration
	maxPackets int
	entries    map[string]*recoveryEntry
}

type recoveryEntry struct {
	expiresAt time.Time
	frames    []frame
	overflow  bool
}

func newRecoveryStore(ttl time.Duration, maxPackets int) *recoveryStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if maxPackets <= 0 {
		maxPackets = 1000
	}
	return &recoveryStore{
		ttl:        ttl,
		maxPackets: maxPackets,
		entries:    make(map[string]*recoveryEntry),
	}
}

// keep opens an entry for pid seeded with the frames the connection had not
// been able to write when it went away.
func (s *recoveryStore) keep(pid string, now time.Time, unsent frameWindow) {
	e := &recoveryEntry{
		expiresAt: now.Add(s.ttl),
		overflow:  unsent.truncated || len(unsent.frames) > s.maxPackets,
	}
	if !e.overflow {
		e.frames = append([]frame(nil), unsent.frames...)
	}
	s.entries[pid] = e
}

func (s *recoveryStore) record(f frame) {
	for _, e := range s.entries {
		if e.overflow {
			continue
		}
		if len(e.frames) >= s.maxPackets {
			// Too far behind; the session must replay from the log instead.
			e.overflow = true
			e.frames = nil
			continue
		}
		e.frames = append(e.frames, f)
	}
}

// take removes the entry for pid and returns the frames above offset, the
// highest id the client reports having seen without gaps. It reports false
// when the pid is unknown, expired or overflowed.
func (s *recoveryStore) take(pid string, offset int64, now time.Time) ([][]byte, bool) {
	e, ok := s.entries[pid]
	if !ok {
		return nil, false
	}
	delete(s.entries, pid)
	if e.overflow || now.After(e.expiresAt) {
		return nil, false
	}

	var frames [][]byte
	for _, f := range e.frames {
		if f.id != 0 && f.id <= offset {
			continue
		}
		frames = append(frames, f.data)
	}
	return frames, true
}

func (s *recoveryStore) sweep(now time.Time) int {
	n := 0
	for pid, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, pid)
			n++
		}
	}
	return n
}

func (s *recoveryStore) len() int {
	return len(s.entries)
}
