// Copyright 2024-2026 Aiku AI

// Package event defines the typed events that flow over the bridge bus.
//
// Inbound events (MessageIn, MessageDelete, ReactionIn, TypingIn, Join, Part,
// Quit) carry the network they originated on. Outbound events (MessageOut,
// MessageDeleteOut, ReactionOut, TypingOut) carry the network they target.
// The relay turns the former into the latter.
package event

import "fmt"

// Network identifies one of the three bridged chat networks.
type Network string

const (
	Discord Network = "discord"
	IRC     Network = "irc"
	XMPP    Network = "xmpp"
)

// Networks lists every network in routing order.
var Networks = []Network{Discord, IRC, XMPP}

// Others returns every network except n, in routing order.
func (n Network) Others() []Network {
	out := make([]Network, 0, len(Networks)-1)
	for _, o := range Networks {
		if o != n {
			out = append(out, o)
		}
	}
	return out
}

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	switch n {
	case Discord, IRC, XMPP:
		return true
	default:
		return false
	}
}

// Kind discriminates the concrete event types.
type Kind int

const (
	KindMessageIn Kind = iota + 1
	KindMessageOut
	KindMessageDelete
	KindMessageDeleteOut
	KindReactionIn
	KindReactionOut
	KindTypingIn
	KindTypingOut
	KindJoin
	KindPart
	KindQuit
	KindConfigReload
)

var kindNames = map[Kind]string{
	KindMessageIn:        "message_in",
	KindMessageOut:       "message_out",
	KindMessageDelete:    "message_delete",
	KindMessageDeleteOut: "message_delete_out",
	KindReactionIn:       "reaction_in",
	KindReactionOut:      "reaction_out",
	KindTypingIn:         "typing_in",
	KindTypingOut:        "typing_out",
	KindJoin:             "join",
	KindPart:             "part",
	KindQuit:             "quit",
	KindConfigReload:     "config_reload",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is implemented by every concrete event type.
type Event interface {
	Kind() Kind
}

// Inbound is implemented by events published by an adapter.
type Inbound interface {
	Event
	OriginNetwork() Network
}

// Outbound is implemented by events addressed to a single adapter.
type Outbound interface {
	Event
	TargetNetwork() Network
}
