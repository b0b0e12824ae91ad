package signaling

import "time"

// room is the relay's record of one rendezvous group. participants keeps join
// order so room-users snapshots are stable; members is the broadcast group of
// connections bound to the room.
type room struct {
	id        string
	hostName  string
	createdAt time.Time

	participants []Participant
	members      map[string]*session
}

func newRoom(id, hostName string, now time.Time) *room {
	return &room{
		id:        id,
		hostName:  hostName,
		createdAt: now,
		members:   make(map[string]*session),
	}
}

func (r *room) participant(userID string) (Participant, bool) {
	for _, p := range r.participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// upsert replaces the entry for p.UserID in place, or appends it.
func (r *room) upsert(p Participant) {
	for i := range r.participants {
		if r.participants[i].UserID == p.UserID {
			r.participants[i] = p
			return
		}
	}
	r.participants = append(r.participants, p)
}

// remove drops userID only while it is still represented by socketID, so a
// stale connection cannot evict a newer join of the same user.
func (r *room) remove(userID, socketID string) bool {
	for i, p := range r.participants {
		if p.UserID == userID && p.SocketID == socketID {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot copies the participant list, skipping exceptUserID.
func (r *room) snapshot(exceptUserID string) []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.UserID == exceptUserID {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *room) info() RoomInfo {
	return RoomInfo{
		ID:           r.id,
		HostName:     r.hostName,
		CreatedAt:    r.createdAt,
		Participants: r.snapshot(""),
	}
}

func (r *room) empty() bool {
	return len(r.participants) == 0
}
