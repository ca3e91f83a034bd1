package detect

import (
	"sort"
	"sync"
	"time"
)

const (
	MinIoU = 0.15
	// MaxCenterDistance is in pixels; named tracks get NamedDistanceFactor
	// times more room.
	MaxCenterDistance   = 200.0
	NamedDistanceFactor = 2.5
)

type Track struct {
	ID       int
	Box      Box
	Name     string
	LastSeen time.Time
}

// Tracker assigns stable ids to person detections across frames. Named
// tracks live for the whole session; anonymous ones expire after idle
// (0 keeps them forever).
type Tracker struct {
	mu     sync.Mutex
	idle   time.Duration
	nextID int
	tracks map[int]*Track
}

func NewTracker(idle time.Duration) *Tracker {
	return &Tracker{idle: idle, nextID: 1, tracks: make(map[int]*Track)}
}

// Update matches persons to tracks, creates tracks for the rest and returns
// the persons with TrackID and Name filled in. A recognised face whose
// centre falls inside a person box names that track.
func (t *Tracker) Update(persons []PersonBox, faces []FaceBox, now time.Time) []PersonBox {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireLocked(now)

	out := make([]PersonBox, len(persons))
	used := make(map[int]bool, len(persons))
	for i, p := range persons {
		tr := t.matchLocked(p.Box, used)
		if tr == nil {
			tr = &Track{ID: t.nextID}
			t.nextID++
			t.tracks[tr.ID] = tr
		}
		used[tr.ID] = true
		tr.Box = p.Box
		tr.LastSeen = now
		for _, f := range faces {
			cx, cy := f.Box.Center()
			if f.Recognised() && p.Box.Contains(cx, cy) {
				tr.Name = f.Name
				break
			}
		}
		p.TrackID = tr.ID
		p.Name = tr.Name
		out[i] = p
	}
	return out
}

func (t *Tracker) matchLocked(box Box, used map[int]bool) *Track {
	var (
		best    *Track
		bestIoU = MinIoU
	)
	for _, id := range t.idsLocked() {
		tr := t.tracks[id]
		if used[id] {
			continue
		}
		if iou := box.IoU(tr.Box); iou >= bestIoU {
			best, bestIoU = tr, iou
		}
	}
	if best != nil {
		return best
	}
	bestDist := 0.0
	for _, id := range t.idsLocked() {
		tr := t.tracks[id]
		if used[id] {
			continue
		}
		limit := MaxCenterDistance
		if tr.Name != "" {
			limit *= NamedDistanceFactor
		}
		d := box.CenterDistance(tr.Box)
		if d < limit && (best == nil || d < bestDist) {
			best, bestDist = tr, d
		}
	}
	return best
}

func (t *Tracker) idsLocked() []int {
	ids := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *Tracker) expireLocked(now time.Time) {
	if t.idle <= 0 {
		return
	}
	for id, tr := range t.tracks {
		if tr.Name == "" && now.Sub(tr.LastSeen) > t.idle {
			delete(t.tracks, id)
		}
	}
}

// Tracks returns a copy of the live tracks ordered by id.
func (t *Tracker) Tracks() []Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Track, 0, len(t.tracks))
	for _, id := range t.idsLocked() {
		out = append(out, *t.tracks[id])
	}
	return out
}

// Reset drops every track, named ones included. Called between sessions.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int]*Track)
	t.nextID = 1
}
