// Copyright 2024-2026 Aiku AI

package irc

import (
	"sync"
	"time"

	"github.com/aiku/tribridge/pkg/event"
)

const (
	pendingTTL   = 30 * time.Second
	pendingLimit = 256
)

// pendingSend is a bridged message whose echo has not come back yet.
type pendingSend struct {
	origin    event.Network
	messageID string
	// chunks is how many echo lines are still expected.
	chunks int
	// edit marks a correction; its echo aliases the original rather than
	// replacing it.
	edit bool
	// first is set until the first chunk's msgid has been recorded.
	first   bool
	created time.Time
}

// pendingSends is a FIFO of sends per channel address. Echoes come back
// in send order, so each echo consumes the head.
type pendingSends struct {
	mu    sync.Mutex
	now   func() time.Time
	queue map[string][]*pendingSend
}

func newPendingSends() *pendingSends {
	return &pendingSends{now: time.Now, queue: make(map[string][]*pendingSend)}
}

// push queues a send of chunks lines. The returned entry is handed back
// to cancel when some lines never reach the wire.
func (p *pendingSends) push(addr string, origin event.Network, messageID string, chunks int, edit bool) *pendingSend {
	if chunks <= 0 {
		return nil
	}
	ps := &pendingSend{
		origin:    origin,
		messageID: messageID,
		chunks:    chunks,
		edit:      edit,
		first:     true,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps.created = p.now()
	q := append(p.queue[addr], ps)
	if len(q) > pendingLimit {
		q = q[len(q)-pendingLimit:]
	}
	p.queue[addr] = q
	return ps
}

// cancel withdraws unsent lines of ps. Once no echo is expected the entry
// leaves the queue, so later echoes are not credited to it.
func (p *pendingSends) cancel(addr string, ps *pendingSend, unsent int) {
	if ps == nil || unsent <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ps.chunks -= unsent
	if ps.chunks > 0 {
		return
	}
	q := p.queue[addr]
	for i, e := range q {
		if e == ps {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(p.queue, addr)
	} else {
		p.queue[addr] = q
	}
}

// pop consumes one echo line for addr. It returns the pending send and
// whether this line was its first chunk.
func (p *pendingSends) pop(addr string) (*pendingSend, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue[addr]
	cutoff := p.now().Add(-pendingTTL)
	for len(q) > 0 && q[0].created.Before(cutoff) {
		q = q[1:]
	}
	if len(q) == 0 {
		delete(p.queue, addr)
		return nil, false, false
	}
	head := q[0]
	first := head.first
	head.first = false
	head.chunks--
	if head.chunks <= 0 {
		q = q[1:]
	}
	if len(q) == 0 {
		delete(p.queue, addr)
	} else {
		p.queue[addr] = q
	}
	return head, first, true
}

func (p *pendingSends) len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue[addr])
}
