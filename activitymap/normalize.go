package activitymap

import (
	"strings"
	"time"

	accounts "github.com/goliatone/go-accounts"
)

const (
	// MetadataKeyFromState stores the source state of a transition.
	MetadataKeyFromState = "from_state"
	// MetadataKeyToState stores the target state of a transition.
	MetadataKeyToState = "to_state"
	// MetadataKeyProduct stores the product the session belongs to.
	MetadataKeyProduct = "product"
	// MetadataKeySessionID stores the session id for account level events.
	MetadataKeySessionID = "session_id"
)

const (
	defaultChannel    = "accounts"
	defaultActorID    = "system"
	objectTypeAccount = "account"
	objectTypeSession = "session"
)

// Normalized is a transport-agnostic activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
}

// Normalize converts an accounts.ActivityEvent into a generic normalized
// shape. Session events are addressed by session id, everything else by
// user id.
func Normalize(event accounts.ActivityEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	objectType, objectID := resolveObject(event)
	if options.objectType != "" {
		objectType = options.objectType
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Normalized{
		ActorID:    firstNonEmpty(strings.TrimSpace(event.UserID), options.actorFallback),
		Verb:       string(event.EventType),
		ObjectType: objectType,
		ObjectID:   objectID,
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event, objectType),
		OccurredAt: occurredAt,
	}
}

// WithDefaultChannel sets the default channel for normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithObjectType forces the object type regardless of event kind.
func WithObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback sets the actor id used when the event has no user id.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		actorFallback: defaultActorID,
	}
}

func resolveObject(event accounts.ActivityEvent) (string, string) {
	switch event.EventType {
	case accounts.ActivityEventSessionStateChanged, accounts.ActivityEventSessionRefreshed:
		if id := strings.TrimSpace(event.SessionID); id != "" {
			return objectTypeSession, id
		}
	}
	return objectTypeAccount, strings.TrimSpace(event.UserID)
}

func normalizeMetadata(event accounts.ActivityEvent, objectType string) map[string]any {
	metadata := cloneMap(event.Metadata)
	set := func(key string, value string) {
		if value == "" {
			return
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}

	set(MetadataKeyFromState, event.FromState)
	set(MetadataKeyToState, event.ToState)
	set(MetadataKeyProduct, string(event.Product))
	if objectType != objectTypeSession {
		set(MetadataKeySessionID, strings.TrimSpace(event.SessionID))
	}

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
