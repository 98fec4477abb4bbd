package chat

// Policy is the deployment-wide chat policy. It is supplied by the operator
// (env config in this deployment) and read-only from the core's perspective.
type Policy struct {
	// Per-kind chat switches. A disabled kind rejects all message creation.
	EventChatEnabled     bool
	CommunityChatEnabled bool

	// Per-kind moderation requirements. When a kind requires moderation, new
	// messages start unapproved and stay invisible until approved.
	ModerateEventRooms     bool
	ModerateCommunityRooms bool

	// MaxMessageChars bounds message text length in runes.
	MaxMessageChars int
}

// DefaultPolicy matches the historical deployment: chat on everywhere,
// community rooms moderated, event rooms not.
func DefaultPolicy() Policy {
	return Policy{
		EventChatEnabled:       true,
		CommunityChatEnabled:   true,
		ModerateEventRooms:     false,
		ModerateCommunityRooms: true,
		MaxMessageChars:        2000,
	}
}

// ChatEnabled reports whether message creation is allowed for a room kind.
// Unknown kinds are treated as disabled.
func (p Policy) ChatEnabled(kind RoomKind) bool {
	switch kind {
	case RoomKindEvent:
		return p.EventChatEnabled
	case RoomKindCommunity:
		return p.CommunityChatEnabled
	default:
		return false
	}
}

// ModerationRequired reports whether messages of a room kind need approval
// before they become visible.
func (p Policy) ModerationRequired(kind RoomKind) bool {
	switch kind {
	case RoomKindEvent:
		return p.ModerateEventRooms
	case RoomKindCommunity:
		return p.ModerateCommunityRooms
	default:
		return false
	}
}
