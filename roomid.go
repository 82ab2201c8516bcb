package chatsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

const pairSeparator = "_"

// PairRoomID is the room id of a conversation between a and b. The result
// does not depend on argument order.
func PairRoomID(a, b RealtimeUserID) RoomID {
	if b < a {
		a, b = b, a
	}
	return RoomID(string(a) + pairSeparator + string(b))
}

// LegacyRoomID is the case-scoped room id used before rooms were keyed by
// participant pair. It is the case id itself.
func LegacyRoomID(c CaseID) RoomID { return RoomID(c) }

// CaseLookup returns the two parties of a case from the durable store.
type CaseLookup interface {
	CaseParticipants(ctx context.Context, c CaseID) (client, agent DurableUserID, err error)
}

// RoomResolver finds the realtime room of a case.
type RoomResolver struct {
	store      RealtimeStore
	cases      CaseLookup
	translator Translator
	log        zerolog.Logger
}

// NewRoomResolver creates a resolver.
func NewRoomResolver(store RealtimeStore, cases CaseLookup, translator Translator, log zerolog.Logger) *RoomResolver {
	return &RoomResolver{store: store, cases: cases, translator: translator, log: log}
}

// Participants returns the realtime ids of a case's client and agent.
func (r *RoomResolver) Participants(ctx context.Context, c CaseID) (client, agent RealtimeUserID, err error) {
	dc, da, err := r.cases.CaseParticipants(ctx, c)
	if err != nil {
		return "", "", fmt.Errorf("look up case %s: %w", c, err)
	}
	if client, err = r.translator.ToRealtime(ctx, dc); err != nil {
		return "", "", fmt.Errorf("case %s client: %w", c, err)
	}
	if agent, err = r.translator.ToRealtime(ctx, da); err != nil {
		return "", "", fmt.Errorf("case %s agent: %w", c, err)
	}
	return client, agent, nil
}

// Resolve returns the room to use for case c. An existing pair room wins;
// otherwise an existing legacy room is used; otherwise the pair id is
// returned for a room that does not exist yet.
func (r *RoomResolver) Resolve(ctx context.Context, c CaseID) (RoomID, error) {
	room, _, _, _, err := r.resolve(ctx, c)
	return room, err
}

// ResolveHandle is Resolve from the point of view of self: an existing
// room is a RealRoom, a missing one a VirtualRoom with the other party.
func (r *RoomResolver) ResolveHandle(ctx context.Context, c CaseID, self RealtimeUserID) (RoomHandle, error) {
	room, client, agent, exists, err := r.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	if exists {
		return RealRoom{ID: room}, nil
	}
	switch self {
	case client:
		return VirtualRoom{Counterpart: agent}, nil
	case agent:
		return VirtualRoom{Counterpart: client}, nil
	default:
		return nil, fmt.Errorf("user %s is not a party of case %s", self, c)
	}
}

func (r *RoomResolver) resolve(ctx context.Context, c CaseID) (room RoomID, client, agent RealtimeUserID, exists bool, err error) {
	client, agent, err = r.Participants(ctx, c)
	if err != nil {
		return "", "", "", false, err
	}
	pair := PairRoomID(client, agent)

	if exists, err = r.exists(ctx, pair); err != nil || exists {
		return pair, client, agent, exists, err
	}

	legacy := LegacyRoomID(c)
	if exists, err = r.exists(ctx, legacy); err != nil {
		return "", client, agent, false, err
	}
	if exists {
		r.log.Debug().Str("case", string(c)).Str("room", string(legacy)).Msg("using legacy case room")
		return legacy, client, agent, true, nil
	}
	return pair, client, agent, false, nil
}

// Accepts reports whether room is a valid room id for case c in either
// format.
func (r *RoomResolver) Accepts(ctx context.Context, c CaseID, room RoomID) (bool, error) {
	if room == LegacyRoomID(c) {
		return true, nil
	}
	client, agent, err := r.Participants(ctx, c)
	if err != nil {
		return false, err
	}
	return room == PairRoomID(client, agent), nil
}

func (r *RoomResolver) exists(ctx context.Context, room RoomID) (bool, error) {
	ev, err := readOnce(ctx, r.store, MetadataPath(room))
	if err != nil {
		return false, fmt.Errorf("check room %s: %w", room, err)
	}
	return ev.Exists(), nil
}
