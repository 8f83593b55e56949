package roster

import (
	"fmt"
	"sort"
)

// PlayerRecord is one participant in a session, keyed by the opaque peer id
// the transport assigned to its connection. Records travel over the wire in
// player_list_update and h_player_scores_update broadcasts, so every field
// that clients need to render is exported with a json tag.
type PlayerRecord struct {
	PeerID     string `json:"peerId"`
	Name       string `json:"name"`
	Score      int    `json:"score"`
	IsHost     bool   `json:"isHost"`
	IsFinished bool   `json:"isFinished"`
	Connected  bool   `json:"connected"`

	joinSeq   int
	finishSeq int
}

// Roster is the replicated map of participants. The host coordinator owns
// the only mutable instance; clients hold a replica that is fully replaced
// on every broadcast. Not safe for concurrent use: the owning coordinator
// serializes all access on its event loop.
type Roster struct {
	records   map[string]*PlayerRecord
	order     []string // peer ids in join order
	joinSeq   int
	finishSeq int
}

func New() *Roster {
	return &Roster{records: make(map[string]*PlayerRecord)}
}

// Upsert creates the record for peerID, or updates its name if it already
// exists. An empty name falls back to a generated one so the invariant
// "name is never empty" holds no matter what the wire carried.
func (r *Roster) Upsert(peerID, name string, isHost bool) PlayerRecord {
	if name == "" {
		name = fallbackName(peerID)
	}

	if rec, ok := r.records[peerID]; ok {
		rec.Name = name
		rec.Connected = true
		return *rec
	}

	r.joinSeq++
	rec := &PlayerRecord{
		PeerID:    peerID,
		Name:      name,
		IsHost:    isHost,
		Connected: true,
		joinSeq:   r.joinSeq,
	}
	r.records[peerID] = rec
	r.order = append(r.order, peerID)
	return *rec
}

func (r *Roster) SetName(peerID, name string) bool {
	rec, ok := r.records[peerID]
	if !ok {
		return false
	}
	if name == "" {
		name = fallbackName(peerID)
	}
	rec.Name = name
	return true
}

// SetScore records a reported score. Scores are monotonically non-decreasing
// within a game, so a report lower than the current value is ignored.
func (r *Roster) SetScore(peerID string, score int) bool {
	rec, ok := r.records[peerID]
	if !ok || score < rec.Score {
		return false
	}
	rec.Score = score
	return true
}

// MarkFinished flags the player as done with its local question sequence and
// records its final score. Finish order is remembered for tie-breaking.
func (r *Roster) MarkFinished(peerID string, score int) bool {
	rec, ok := r.records[peerID]
	if !ok {
		return false
	}
	if score >= rec.Score {
		rec.Score = score
	}
	if !rec.IsFinished {
		rec.IsFinished = true
		r.finishSeq++
		rec.finishSeq = r.finishSeq
	}
	return true
}

func (r *Roster) SetConnected(peerID string, connected bool) bool {
	rec, ok := r.records[peerID]
	if !ok {
		return false
	}
	rec.Connected = connected
	return true
}

func (r *Roster) Remove(peerID string) bool {
	if _, ok := r.records[peerID]; !ok {
		return false
	}
	delete(r.records, peerID)
	for i, id := range r.order {
		if id == peerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Roster) Get(peerID string) (PlayerRecord, bool) {
	rec, ok := r.records[peerID]
	if !ok {
		return PlayerRecord{}, false
	}
	return *rec, true
}

func (r *Roster) Len() int { return len(r.records) }

func (r *Roster) ConnectedCount() int {
	n := 0
	for _, rec := range r.records {
		if rec.Connected {
			n++
		}
	}
	return n
}

// Snapshot returns all records in join order. The slice holds copies, so
// callers can hand it to broadcasts without racing the owning coordinator.
func (r *Roster) Snapshot() []PlayerRecord {
	out := make([]PlayerRecord, 0, len(r.order))
	for _, id := range r.order {
		if rec, ok := r.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// ReplaceAll rebuilds the roster from a broadcast snapshot. Clients never
// merge incoming rosters into their replica; the host copy wins wholesale.
func (r *Roster) ReplaceAll(players []PlayerRecord) {
	r.records = make(map[string]*PlayerRecord, len(players))
	r.order = r.order[:0]
	for i := range players {
		rec := players[i]
		if rec.Name == "" {
			rec.Name = fallbackName(rec.PeerID)
		}
		if _, dup := r.records[rec.PeerID]; dup {
			continue
		}
		r.records[rec.PeerID] = &rec
		r.order = append(r.order, rec.PeerID)
	}
}

// AllConnectedFinished reports whether every currently-connected player has
// exhausted its question sequence. Disconnected players never block this.
func (r *Roster) AllConnectedFinished() bool {
	for _, rec := range r.records {
		if rec.Connected && !rec.IsFinished {
			return false
		}
	}
	return true
}

// Rank orders players by score (highest first). Ties go to whoever finished
// earlier; players that never finished fall back to join order.
func (r *Roster) Rank() []PlayerRecord {
	out := r.Snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		fi, fj := out[i].finishSeq, out[j].finishSeq
		if fi != fj {
			if fi == 0 {
				return false
			}
			if fj == 0 {
				return true
			}
			return fi < fj
		}
		return out[i].joinSeq < out[j].joinSeq
	})
	return out
}

// ResetForRematch prepares the roster for a fresh game on the same
// connections: disconnected players are dropped, finish flags cleared, and
// scores zeroed unless the caller wants them carried over.
func (r *Roster) ResetForRematch(keepScores bool) {
	for id, rec := range r.records {
		if !rec.Connected {
			r.Remove(id)
			continue
		}
		rec.IsFinished = false
		rec.finishSeq = 0
		if !keepScores {
			rec.Score = 0
		}
	}
	r.finishSeq = 0
}

func fallbackName(peerID string) string {
	short := peerID
	if len(short) > 6 {
		short = short[:6]
	}
	return fmt.Sprintf("player-%s", short)
}
