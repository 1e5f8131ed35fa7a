// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"encoding/xml"

	"gosrc.io/xmpp/stanza"
)

const (
	nsSID         = "urn:xmpp:sid:0"
	nsReply       = "urn:xmpp:reply:0"
	nsReference   = "urn:xmpp:reference:0"
	nsCorrect     = "urn:xmpp:message-correct:0"
	nsSpoiler     = "urn:xmpp:spoiler:0"
	nsReactions   = "urn:xmpp:reactions:0"
	nsRetract     = "urn:xmpp:message-retract:1"
	nsDelay       = "urn:xmpp:delay"
	nsChatStates  = "http://jabber.org/protocol/chatstates"
	nsMUC         = "http://jabber.org/protocol/muc"
	nsMUCUser     = "http://jabber.org/protocol/muc#user"
	nsVCard       = "vcard-temp"
	nsVCardUpdate = "vcard-temp:x:update"
	nsOOB         = "jabber:x:oob"
	nsUpload      = "urn:xmpp:http:upload:0"
	nsIBB         = "http://jabber.org/protocol/ibb"
	nsStanzaErr   = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// XEP-0359
type originID struct {
	XMLName xml.Name `xml:"urn:xmpp:sid:0 origin-id"`
	ID      string   `xml:"id,attr"`
}

type stanzaID struct {
	XMLName xml.Name `xml:"urn:xmpp:sid:0 stanza-id"`
	ID      string   `xml:"id,attr"`
	By      string   `xml:"by,attr,omitempty"`
}

// XEP-0461
type reply struct {
	XMLName xml.Name `xml:"urn:xmpp:reply:0 reply"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr"`
}

// XEP-0372, the reply form older clients understand.
type reference struct {
	XMLName xml.Name `xml:"urn:xmpp:reference:0 reference"`
	Type    string   `xml:"type,attr"`
	URI     string   `xml:"uri,attr"`
}

// XEP-0308
type replace struct {
	XMLName xml.Name `xml:"urn:xmpp:message-correct:0 replace"`
	ID      string   `xml:"id,attr"`
}

// XEP-0382
type spoiler struct {
	XMLName xml.Name `xml:"urn:xmpp:spoiler:0 spoiler"`
	Hint    string   `xml:",chardata"`
}

// XEP-0444. The set is always complete: an empty list removes every
// reaction of the sender.
type reactions struct {
	XMLName   xml.Name `xml:"urn:xmpp:reactions:0 reactions"`
	ID        string   `xml:"id,attr"`
	Reactions []string `xml:"reaction"`
}

// XEP-0424
type retract struct {
	XMLName xml.Name `xml:"urn:xmpp:message-retract:1 retract"`
	ID      string   `xml:"id,attr"`
}

// XEP-0203
type delay struct {
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	Stamp   string   `xml:"stamp,attr"`
	From    string   `xml:"from,attr,omitempty"`
}

// XEP-0085
type composing struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/chatstates composing"`
}

// XEP-0066
type oob struct {
	XMLName xml.Name `xml:"jabber:x:oob x"`
	URL     string   `xml:"url"`
	Desc    string   `xml:"desc,omitempty"`
}

// XEP-0045 join request.
type mucJoin struct {
	XMLName xml.Name    `xml:"http://jabber.org/protocol/muc x"`
	History *mucHistory `xml:"history,omitempty"`
}

type mucHistory struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

type mucUser struct {
	XMLName  xml.Name    `xml:"http://jabber.org/protocol/muc#user x"`
	Items    []mucItem   `xml:"item"`
	Statuses []mucStatus `xml:"status"`
}

type mucItem struct {
	JID         string `xml:"jid,attr,omitempty"`
	Nick        string `xml:"nick,attr,omitempty"`
	Affiliation string `xml:"affiliation,attr,omitempty"`
	Role        string `xml:"role,attr,omitempty"`
}

type mucStatus struct {
	Code int `xml:"code,attr"`
}

// statusSelf marks the presence that reflects the receiver's own
// occupancy.
const statusSelf = 110

func (u *mucUser) hasStatus(code int) bool {
	for _, s := range u.Statuses {
		if s.Code == code {
			return true
		}
	}
	return false
}

func (u *mucUser) realJID() string {
	for _, it := range u.Items {
		if it.JID != "" {
			return it.JID
		}
	}
	return ""
}

// XEP-0153
type vcardUpdate struct {
	XMLName xml.Name `xml:"vcard-temp:x:update x"`
	Photo   string   `xml:"photo"`
}

func init() {
	for name, ext := range map[xml.Name]any{
		{Space: nsSID, Local: "origin-id"}:        originID{},
		{Space: nsSID, Local: "stanza-id"}:        stanzaID{},
		{Space: nsReply, Local: "reply"}:          reply{},
		{Space: nsReference, Local: "reference"}:  reference{},
		{Space: nsCorrect, Local: "replace"}:      replace{},
		{Space: nsSpoiler, Local: "spoiler"}:      spoiler{},
		{Space: nsReactions, Local: "reactions"}:  reactions{},
		{Space: nsRetract, Local: "retract"}:      retract{},
		{Space: nsDelay, Local: "delay"}:          delay{},
		{Space: nsChatStates, Local: "composing"}: composing{},
		{Space: nsOOB, Local: "x"}:                oob{},
	} {
		stanza.TypeRegistry.MapExtension(stanza.PKTMessage, name, ext)
	}
	stanza.TypeRegistry.MapExtension(stanza.PKTPresence, xml.Name{Space: nsMUCUser, Local: "x"}, mucUser{})
	stanza.TypeRegistry.MapExtension(stanza.PKTPresence, xml.Name{Space: nsVCardUpdate, Local: "x"}, vcardUpdate{})
}

// ext returns the first extension of type T. Decoded stanzas hold pointers,
// stanzas built locally hold values.
func ext[T any, E any](exts []E) (*T, bool) {
	for _, e := range exts {
		switch v := any(e).(type) {
		case *T:
			return v, true
		case T:
			return &v, true
		}
	}
	return nil, false
}

// stanzaIDs returns every stanza-id on m, the one assigned by room first.
func stanzaIDs(m *stanza.Message, room string) []string {
	var first, rest []string
	for _, e := range m.Extensions {
		var sid *stanzaID
		switch v := any(e).(type) {
		case *stanzaID:
			sid = v
		case stanzaID:
			sid = &v
		default:
			continue
		}
		if sid.ID == "" {
			continue
		}
		if sid.By == "" || bare(sid.By) == room {
			first = append(first, sid.ID)
		} else {
			rest = append(rest, sid.ID)
		}
	}
	return append(first, rest...)
}
