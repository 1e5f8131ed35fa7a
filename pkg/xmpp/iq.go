// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gosrc.io/xmpp/stanza"
)

// iqWaiters routes IQ results and errors back to the request that is
// waiting on them.
type iqWaiters struct {
	mu      sync.Mutex
	pending map[string]chan *stanza.IQ
}

func newIQWaiters() *iqWaiters {
	return &iqWaiters{pending: make(map[string]chan *stanza.IQ)}
}

func (w *iqWaiters) add(id string) chan *stanza.IQ {
	ch := make(chan *stanza.IQ, 1)
	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *iqWaiters) remove(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *iqWaiters) deliver(iq *stanza.IQ) bool {
	w.mu.Lock()
	ch, ok := w.pending[iq.Id]
	delete(w.pending, iq.Id)
	w.mu.Unlock()
	if ok {
		ch <- iq
	}
	return ok
}

// iqEnvelope is an outgoing IQ with an arbitrary payload.
type iqEnvelope struct {
	XMLName xml.Name `xml:"jabber:component:accept iq"`
	Type    string   `xml:"type,attr"`
	ID      string   `xml:"id,attr"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Payload any      `xml:",omitempty"`
	Error   *iqError `xml:"error,omitempty"`
}

type iqError struct {
	Type      string   `xml:"type,attr"`
	Condition xml.Name `xml:",any"`
}

// MarshalXML writes the condition as an empty element in the stanza error
// namespace.
func (e iqError) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "type"}, Value: e.Type}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Space: nsStanzaErr, Local: e.Condition.Local}}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

// request sends env and waits for the matching result. An error response
// or a timeout yields ErrIQFailed.
func (a *Adapter) request(ctx context.Context, env iqEnvelope) (*stanza.IQ, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Type == "" {
		env.Type = string(stanza.IQTypeGet)
	}
	ch := a.iqs.add(env.ID)
	defer a.iqs.remove(env.ID)
	if err := a.sendXML(env); err != nil {
		return nil, err
	}
	timer := time.NewTimer(a.cfg.IQTimeout)
	defer timer.Stop()
	select {
	case iq := <-ch:
		if iq.Type == stanza.IQTypeError {
			return iq, fmt.Errorf("%w: %s returned an error", ErrIQFailed, env.To)
		}
		return iq, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s did not answer", ErrIQFailed, env.To)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) handleIQ(iq *stanza.IQ) {
	switch iq.Type {
	case stanza.IQTypeResult, stanza.IQTypeError:
		if !a.iqs.deliver(iq) {
			a.log.Debug().Str("id", iq.Id).Str("from", iq.From).Msg("Unexpected IQ response")
		}
		return
	}
	var space, name string
	if iq.Any != nil {
		space, name = iq.Any.XMLName.Space, iq.Any.XMLName.Local
	}
	switch {
	case iq.Type == stanza.IQTypeGet && space == nsVCard && name == "vCard":
		a.answerVCard(iq)
	case iq.Type == stanza.IQTypeSet && space == nsIBB:
		a.handleIBB(iq, name)
	default:
		a.replyError(iq, "cancel", "service-unavailable")
	}
}

func (a *Adapter) replyResult(iq *stanza.IQ, payload any) {
	env := iqEnvelope{
		Type:    string(stanza.IQTypeResult),
		ID:      iq.Id,
		From:    iq.To,
		To:      iq.From,
		Payload: payload,
	}
	if err := a.sendXML(env); err != nil {
		a.log.Warn().Err(err).Str("to", iq.From).Msg("Failed to answer IQ")
	}
}

func (a *Adapter) replyError(iq *stanza.IQ, typ, condition string) {
	env := iqEnvelope{
		Type:  string(stanza.IQTypeError),
		ID:    iq.Id,
		From:  iq.To,
		To:    iq.From,
		Error: &iqError{Type: typ, Condition: xml.Name{Space: nsStanzaErr, Local: condition}},
	}
	if err := a.sendXML(env); err != nil {
		a.log.Warn().Err(err).Str("to", iq.From).Msg("Failed to send IQ error")
	}
}

func attr(n *stanza.Node, name string) string {
	if n == nil {
		return ""
	}
	for _, at := range n.Attrs {
		if at.Name.Local == name {
			return at.Value
		}
	}
	return ""
}

// child returns the first child of n named local.
func child(n *stanza.Node, local string) *stanza.Node {
	if n == nil {
		return nil
	}
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == local {
			return &n.Nodes[i]
		}
	}
	return nil
}
