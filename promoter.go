package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// Promoter tracks the active room handle and replaces a virtual room with
// the real room once it shows up in the room list. Each counterpart is
// promoted at most once.
type Promoter struct {
	log zerolog.Logger

	mu       sync.Mutex
	active   RoomHandle
	promoted map[RealtimeUserID]RoomID
	handlers []func(from VirtualRoom, to RealRoom)
}

// NewPromoter creates a promoter with no active room.
func NewPromoter(log zerolog.Logger) *Promoter {
	return &Promoter{log: log, promoted: make(map[RealtimeUserID]RoomID)}
}

// Select makes h the active handle. A nil handle clears the selection.
func (p *Promoter) Select(h RoomHandle) {
	p.mu.Lock()
	p.active = h
	p.mu.Unlock()
}

// Active returns the active handle, or nil.
func (p *Promoter) Active() RoomHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Promoted returns the real room a counterpart's virtual room became.
func (p *Promoter) Promoted(counterpart RealtimeUserID) (RoomID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.promoted[counterpart]
	return id, ok
}

// OnSwitch registers fn to run after each promotion.
func (p *Promoter) OnSwitch(fn func(from VirtualRoom, to RealRoom)) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

// Observe checks a room list update. If the active handle is a virtual
// room not yet promoted and a room containing its counterpart is listed,
// the active handle switches to that room.
func (p *Promoter) Observe(rooms []Room) (RealRoom, bool) {
	p.mu.Lock()
	v, ok := p.active.(VirtualRoom)
	if !ok {
		p.mu.Unlock()
		return RealRoom{}, false
	}
	if _, done := p.promoted[v.Counterpart]; done {
		p.mu.Unlock()
		return RealRoom{}, false
	}
	var found *Room
	for i := range rooms {
		if rooms[i].HasParticipant(v.Counterpart) {
			found = &rooms[i]
			break
		}
	}
	if found == nil {
		p.mu.Unlock()
		return RealRoom{}, false
	}
	to := RealRoom{ID: found.ID}
	p.promoted[v.Counterpart] = to.ID
	p.active = to
	hs := append([]func(VirtualRoom, RealRoom){}, p.handlers...)
	p.mu.Unlock()

	roomPromotions.Inc()
	p.log.Info().Str("counterpart", string(v.Counterpart)).Str("room", string(to.ID)).Msg("virtual room promoted")
	for _, h := range hs {
		safeCall(p.log, func() { h(v, to) })
	}
	return to, true
}
