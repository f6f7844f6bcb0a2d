package eventbus

import (
	"slices"
	"time"
)

// Topics published by the central authority.
const (
	TopicRunStartCentral     = "run_start.central"
	TopicRunStartParticipant = "run_start.participant"
	TopicRunChanged          = "run.changed"
	TopicLatestRunChanged    = "consortium.latest_run_changed"
	TopicConsortiumChanged   = "consortium.changed"
)

// Topics lists every known topic.
var Topics = []string{
	TopicRunStartCentral,
	TopicRunStartParticipant,
	TopicRunChanged,
	TopicLatestRunChanged,
	TopicConsortiumChanged,
}

// KnownTopic reports whether topic is one of Topics.
func KnownTopic(topic string) bool {
	return slices.Contains(Topics, topic)
}

// Event is one published notification.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"ts"`
	// Origin identifies the Bus that first published the event.
	Origin string `json:"origin,omitempty"`
}

// String returns payload[key] when it is a string.
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Strings returns payload[key] as a string slice. Both []string and the
// []any produced by JSON decoding are accepted.
func (e Event) Strings(key string) []string {
	switch v := e.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Subscriber is the identity a subscription is filtered against.
type Subscriber struct {
	UserID  string
	Central bool
}

// Filter decides whether ev is delivered to sub.
type Filter func(sub Subscriber, ev Event) bool

// CentralOnly delivers only to holders of the central credential.
func CentralOnly(sub Subscriber, _ Event) bool {
	return sub.Central
}

// TargetUser delivers only to the user named by payload "user_id".
func TargetUser(sub Subscriber, ev Event) bool {
	target := ev.String("user_id")
	return target != "" && sub.UserID == target
}

// RunMember delivers to users listed in payload "members".
func RunMember(sub Subscriber, ev Event) bool {
	return sub.UserID != "" && slices.Contains(ev.Strings("members"), sub.UserID)
}

// AnyOf delivers when at least one filter matches.
func AnyOf(filters ...Filter) Filter {
	return func(sub Subscriber, ev Event) bool {
		for _, f := range filters {
			if f(sub, ev) {
				return true
			}
		}
		return false
	}
}

// DefaultFilter returns the authorization filter of a topic.
func DefaultFilter(topic string) Filter {
	switch topic {
	case TopicRunStartCentral:
		return CentralOnly
	case TopicRunStartParticipant:
		return TargetUser
	default:
		return AnyOf(CentralOnly, RunMember)
	}
}
