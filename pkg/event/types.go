// Copyright 2024-2026 Aiku AI

package event

// Attachment describes a file that accompanies a message.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Size        int
	// Data is set when the bytes are already in memory (in-band transfers).
	Data []byte
}

// Raw carries implementation hints between the relay and the adapters.
// None of it is user-visible.
type Raw struct {
	IsEdit    bool
	ReplaceID string
	// Origin is the network the event first entered the bridge on.
	Origin Network

	ReplyQuotedContent string
	ReplyQuotedAuthor  string

	// XMPPIDAliases lists every identifier the X side knows this message by
	// (origin-id, stanza-id) besides MessageID.
	XMPPIDAliases []string

	IsRemove bool
	IsAction bool
	Spoiler  bool

	// Tags holds the IRC message tags of the ingress line.
	Tags map[string]string

	Attachments []Attachment
	AvatarHash  string
}

// Clone returns a deep copy so fan-out targets never share slices or maps.
func (r Raw) Clone() Raw {
	out := r
	if r.XMPPIDAliases != nil {
		out.XMPPIDAliases = append([]string(nil), r.XMPPIDAliases...)
	}
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	if r.Attachments != nil {
		out.Attachments = append([]Attachment(nil), r.Attachments...)
	}
	return out
}

// MessageIn is a message, edit or action received on Origin.
type MessageIn struct {
	Origin        Network
	Channel       string
	AuthorID      string
	AuthorDisplay string
	Content       string
	MessageID     string
	ReplyToID     string
	IsEdit        bool
	IsAction      bool
	AvatarURL     string
	Raw           Raw
}

func (*MessageIn) Kind() Kind               { return KindMessageIn }
func (e *MessageIn) OriginNetwork() Network { return e.Origin }

// MessageOut is a message the relay addressed to Target. Channel is the
// room's address on Target: the D channel id, "<server>/<channel>" on I, or
// the MUC JID on X.
type MessageOut struct {
	Target        Network
	Channel       string
	AuthorID      string
	AuthorDisplay string
	Content       string
	MessageID     string
	ReplyToID     string
	AvatarURL     string
	Raw           Raw
}

func (*MessageOut) Kind() Kind               { return KindMessageOut }
func (e *MessageOut) TargetNetwork() Network { return e.Target }

// MessageDelete reports a deletion on Origin.
type MessageDelete struct {
	Origin        Network
	Channel       string
	MessageID     string
	AuthorID      string
	AuthorDisplay string
}

func (*MessageDelete) Kind() Kind               { return KindMessageDelete }
func (e *MessageDelete) OriginNetwork() Network { return e.Origin }

// MessageDeleteOut asks Target to delete its copy of MessageID.
type MessageDeleteOut struct {
	Target        Network
	Channel       string
	MessageID     string
	AuthorID      string
	AuthorDisplay string
	Raw           Raw
}

func (*MessageDeleteOut) Kind() Kind               { return KindMessageDeleteOut }
func (e *MessageDeleteOut) TargetNetwork() Network { return e.Target }

// ReactionIn reports a reaction added (or removed when Raw.IsRemove) on Origin.
type ReactionIn struct {
	Origin        Network
	Channel       string
	MessageID     string
	Emoji         string
	AuthorID      string
	AuthorDisplay string
	Raw           Raw
}

func (*ReactionIn) Kind() Kind               { return KindReactionIn }
func (e *ReactionIn) OriginNetwork() Network { return e.Origin }

// ReactionOut asks Target to add or remove a reaction.
type ReactionOut struct {
	Target        Network
	Channel       string
	MessageID     string
	Emoji         string
	AuthorID      string
	AuthorDisplay string
	Raw           Raw
}

func (*ReactionOut) Kind() Kind               { return KindReactionOut }
func (e *ReactionOut) TargetNetwork() Network { return e.Target }

type TypingIn struct {
	Origin  Network
	Channel string
	UserID  string
}

func (*TypingIn) Kind() Kind               { return KindTypingIn }
func (e *TypingIn) OriginNetwork() Network { return e.Origin }

type TypingOut struct {
	Target  Network
	Channel string
	UserID  string
}

func (*TypingOut) Kind() Kind               { return KindTypingOut }
func (e *TypingOut) TargetNetwork() Network { return e.Target }

// Join, Part and Quit are informational membership events.
type Join struct {
	Origin  Network
	Channel string
	UserID  string
	Display string
}

func (*Join) Kind() Kind               { return KindJoin }
func (e *Join) OriginNetwork() Network { return e.Origin }

type Part struct {
	Origin  Network
	Channel string
	UserID  string
	Display string
	Reason  string
}

func (*Part) Kind() Kind               { return KindPart }
func (e *Part) OriginNetwork() Network { return e.Origin }

// Quit has no channel: the user left the whole network.
type Quit struct {
	Origin  Network
	UserID  string
	Display string
	Reason  string
}

func (*Quit) Kind() Kind               { return KindQuit }
func (e *Quit) OriginNetwork() Network { return e.Origin }

// ConfigReload is published by the supervisor after the router was replaced.
type ConfigReload struct{}

func (*ConfigReload) Kind() Kind { return KindConfigReload }
