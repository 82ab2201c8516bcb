package chatsync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Types
// ============================================================================

// SendRequest is a message to send. Room may be nil, in which case the
// pair room of the sender and Recipient is used. For a virtual room the
// recipient defaults to its counterpart.
type SendRequest struct {
	Room        RoomHandle
	Recipient   RealtimeUserID
	Content     string
	Attachments []Attachment
	CaseID      CaseID
}

// Confirmation describes a message accepted by the realtime store.
type Confirmation struct {
	MessageID    string
	OptimisticID string
	Room         RoomID
	SentAt       int64
}

// PipelineConfig wires a SendPipeline. Archiver and Translator may be nil,
// which disables archiving.
type PipelineConfig struct {
	Store          RealtimeStore
	Realtime       IdentityProvider[RealtimeUserID]
	Durable        IdentityProvider[DurableUserID]
	Archiver       Archiver
	Translator     Translator
	Optimistic     *OptimisticSet
	Clock          clock.Clock
	ArchiveTimeout time.Duration
	Logger         *zerolog.Logger
}

func (c *PipelineConfig) defaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.ArchiveTimeout == 0 {
		c.ArchiveTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// ============================================================================
// SendPipeline
// ============================================================================

// SendPipeline sends a message optimistically: the local copy is shown at
// once, the realtime write confirms it, and the durable archive is written
// in the background.
type SendPipeline struct {
	store          RealtimeStore
	realtime       IdentityProvider[RealtimeUserID]
	durable        IdentityProvider[DurableUserID]
	archiver       Archiver
	translator     Translator
	optimistic     *OptimisticSet
	clock          clock.Clock
	archiveTimeout time.Duration
	log            zerolog.Logger
	entropy        io.Reader

	mu    sync.Mutex
	cases map[string]CaseID
	wg    sync.WaitGroup
}

// NewSendPipeline creates a pipeline.
func NewSendPipeline(cfg PipelineConfig) *SendPipeline {
	cfg.defaults()
	return &SendPipeline{
		store:          cfg.Store,
		realtime:       cfg.Realtime,
		durable:        cfg.Durable,
		archiver:       cfg.Archiver,
		translator:     cfg.Translator,
		optimistic:     cfg.Optimistic,
		clock:          cfg.Clock,
		archiveTimeout: cfg.ArchiveTimeout,
		log:            *cfg.Logger,
		entropy:        ulid.DefaultEntropy(),
		cases:          make(map[string]CaseID),
	}
}

// Send delivers req. Missing identities fail before anything is written.
// A failed realtime write returns a retryable *SendError and leaves the
// optimistic copy in failed state.
func (p *SendPipeline) Send(ctx context.Context, req SendRequest) (*Confirmation, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	rt, dur, err := p.identities(ctx)
	if err != nil {
		return nil, err
	}
	room, recipient, err := p.route(rt.UserID, req)
	if err != nil {
		return nil, err
	}

	optID := "optimistic-" + uuid.NewString()
	opt := Message{
		ID:          optID,
		SenderID:    rt.UserID,
		RecipientID: recipient,
		Content:     content,
		SentAt:      p.clock.Now().UnixMilli(),
		Attachments: req.Attachments,
		ClientKey:   optID,
	}
	p.optimistic.Add(room, opt)
	if req.CaseID != "" {
		p.mu.Lock()
		p.cases[optID] = req.CaseID
		p.mu.Unlock()
	}

	return p.deliver(ctx, dur.UserID, room, opt)
}

// Retry re-sends a failed optimistic message.
func (p *SendPipeline) Retry(ctx context.Context, optimisticID string) (*Confirmation, error) {
	m, room, ok := p.optimistic.Get(optimisticID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if m.Status != StatusFailed {
		return nil, ErrNotRetryable
	}
	_, dur, err := p.identities(ctx)
	if err != nil {
		return nil, err
	}
	p.optimistic.MarkSending(optimisticID)
	return p.deliver(ctx, dur.UserID, room, m)
}

// Discard drops a failed or pending optimistic message.
func (p *SendPipeline) Discard(optimisticID string) error {
	if _, _, ok := p.optimistic.Get(optimisticID); !ok {
		return ErrUnknownMessage
	}
	p.optimistic.Remove(optimisticID)
	p.mu.Lock()
	delete(p.cases, optimisticID)
	p.mu.Unlock()
	return nil
}

// Wait blocks until background archive writes finish.
func (p *SendPipeline) Wait() { p.wg.Wait() }

func (p *SendPipeline) identities(ctx context.Context) (Credentials[RealtimeUserID], Credentials[DurableUserID], error) {
	dur, err := p.durable.Current(ctx)
	if err != nil {
		return Credentials[RealtimeUserID]{}, Credentials[DurableUserID]{}, fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	rt, err := p.realtime.Current(ctx)
	if err != nil {
		return Credentials[RealtimeUserID]{}, Credentials[DurableUserID]{}, fmt.Errorf("%w: %w", ErrNoRealtimeSession, err)
	}
	return rt, dur, nil
}

func (p *SendPipeline) route(self RealtimeUserID, req SendRequest) (RoomID, RealtimeUserID, error) {
	recipient := req.Recipient
	switch h := req.Room.(type) {
	case nil:
		if recipient == "" {
			return "", "", ErrNoRecipient
		}
		return PairRoomID(self, recipient), recipient, nil
	case VirtualRoom:
		if recipient == "" {
			recipient = h.Counterpart
		}
		return PairRoomID(self, h.Counterpart), recipient, nil
	case RealRoom:
		if recipient == "" {
			return "", "", ErrNoRecipient
		}
		return h.ID, recipient, nil
	default:
		return "", "", fmt.Errorf("unsupported room handle %T", h)
	}
}

func (p *SendPipeline) deliver(ctx context.Context, durableSelf DurableUserID, room RoomID, opt Message) (*Confirmation, error) {
	now := p.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), p.entropy)
	if err != nil {
		p.optimistic.MarkFailed(opt.ID)
		return nil, &SendError{OptimisticID: opt.ID, Room: room, Content: opt.Content, Retryable: true, Err: err}
	}

	msg := opt
	msg.ID = id.String()
	msg.Status = ""
	msg.SentAt = now.UnixMilli()

	log := p.log.With().Str("room", string(room)).Str("message_id", msg.ID).Logger()
	if err := p.store.Write(ctx, MessagePath(room, msg.ID), msg); err != nil {
		p.optimistic.MarkFailed(opt.ID)
		messagesSent.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("realtime write failed")
		return nil, &SendError{OptimisticID: opt.ID, Room: room, Content: opt.Content, Retryable: true, Err: err}
	}
	p.optimistic.MarkSent(opt.ID)
	messagesSent.WithLabelValues("sent").Inc()

	p.mu.Lock()
	caseID := p.cases[opt.ID]
	delete(p.cases, opt.ID)
	p.mu.Unlock()

	if err := p.store.Update(ctx, MetadataPath(room), roomMetadataFields(msg, caseID)); err != nil {
		log.Warn().Err(err).Msg("room metadata update failed")
	}
	p.archive(ctx, durableSelf, msg, caseID, log)

	return &Confirmation{MessageID: msg.ID, OptimisticID: opt.ID, Room: room, SentAt: msg.SentAt}, nil
}

func roomMetadataFields(msg Message, caseID CaseID) map[string]any {
	participants := []RealtimeUserID{msg.SenderID, msg.RecipientID}
	if participants[1] < participants[0] {
		participants[0], participants[1] = participants[1], participants[0]
	}
	fields := map[string]any{
		"participants":  participants,
		"lastMessage":   preview(msg),
		"lastMessageAt": msg.SentAt,
		"unreadCount/" + string(msg.RecipientID): Increment(1),
	}
	if caseID != "" {
		fields["caseId"] = caseID
	}
	return fields
}

func preview(m Message) string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Attachments) > 0 {
		return "Attachment: " + m.Attachments[0].Name
	}
	return ""
}

// archive writes the durable copy in the background. Failures are logged
// and counted only.
func (p *SendPipeline) archive(ctx context.Context, durableSelf DurableUserID, msg Message, caseID CaseID, log zerolog.Logger) {
	if p.archiver == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.archiveTimeout)
		defer cancel()

		if p.translator == nil {
			log.Warn().Msg("archive skipped: no identity translator")
			archiveFailures.Inc()
			return
		}
		recipient, err := p.translator.ToDurable(ctx, msg.RecipientID)
		if err != nil {
			log.Warn().Err(err).Msg("archive skipped: recipient has no durable id")
			archiveFailures.Inc()
			return
		}
		rec := ArchiveRecord{
			FirebaseID:  msg.ID,
			SenderID:    durableSelf,
			RecipientID: recipient,
			Content:     msg.Content,
			CaseID:      caseID,
			Attachments: msg.Attachments,
			SentAt:      msg.SentAt,
		}
		if err := p.archiver.Archive(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("archive write failed")
			archiveFailures.Inc()
			return
		}
		log.Debug().Msg("message archived")
	}()
}
