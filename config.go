package chatsync

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// ============================================================================
// Timings
// ============================================================================

// Timings holds the windows and timeouts used across the chat core. Zero
// fields take their default.
type Timings struct {
	RoomsLoadTimeout    time.Duration
	MessagesLoadTimeout time.Duration
	PresenceLoadTimeout time.Duration
	TypingLoadTimeout   time.Duration

	// GracePeriod is how long a sent optimistic message stays visible.
	GracePeriod       time.Duration
	ReadReceiptWindow time.Duration
	TypingRateWindow  time.Duration
	TypingIdleTimeout time.Duration
	TypingFreshness   time.Duration
	ArchiveTimeout    time.Duration

	MaxPresenceIDs int
}

func (t *Timings) defaults() {
	if t.RoomsLoadTimeout == 0 {
		t.RoomsLoadTimeout = 2 * time.Second
	}
	if t.MessagesLoadTimeout == 0 {
		t.MessagesLoadTimeout = 1 * time.Second
	}
	if t.PresenceLoadTimeout == 0 {
		t.PresenceLoadTimeout = 1 * time.Second
	}
	if t.TypingLoadTimeout == 0 {
		t.TypingLoadTimeout = 1 * time.Second
	}
	if t.GracePeriod == 0 {
		t.GracePeriod = 5 * time.Second
	}
	if t.ReadReceiptWindow == 0 {
		t.ReadReceiptWindow = 2 * time.Second
	}
	if t.TypingRateWindow == 0 {
		t.TypingRateWindow = 1 * time.Second
	}
	if t.TypingIdleTimeout == 0 {
		t.TypingIdleTimeout = 3 * time.Second
	}
	if t.TypingFreshness == 0 {
		t.TypingFreshness = 5 * time.Second
	}
	if t.ArchiveTimeout == 0 {
		t.ArchiveTimeout = 10 * time.Second
	}
	if t.MaxPresenceIDs == 0 {
		t.MaxPresenceIDs = 50
	}
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	var t Timings
	t.defaults()
	return t
}

// ============================================================================
// Session options
// ============================================================================

type options struct {
	logger   zerolog.Logger
	clock    clock.Clock
	timings  Timings
	dedup    DedupKeyFunc
	userName string
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source, e.g. a clock.Mock in tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTimings overrides windows and timeouts.
func WithTimings(t Timings) Option {
	return func(o *options) { o.timings = t }
}

// WithDedupKey replaces the key used to match optimistic and confirmed
// messages.
func WithDedupKey(fn DedupKeyFunc) Option {
	return func(o *options) { o.dedup = fn }
}

// WithUserName sets the display name written into typing indicators.
func WithUserName(name string) Option {
	return func(o *options) { o.userName = name }
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		clock:  clock.New(),
		dedup:  ContentSenderKey,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.timings.defaults()
	return o
}
