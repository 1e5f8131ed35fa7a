// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gosrc.io/xmpp/stanza"

	"github.com/aiku/tribridge/pkg/event"
)

const (
	maxFileSize     = 10 << 20
	ibbBlockSize    = 4096
	ibbMaxBlockSize = 65535
	ibbDefaultBlock = 65535
	defaultFilename = "file"
	defaultFileMIME = "application/octet-stream"
	fileBodyFormat  = "[file: %s]"
)

// Only these slot headers may be forwarded on the PUT.
var uploadHeaderAllow = []string{"Authorization", "Cookie", "Expires"}

var (
	errNoUploadService = errors.New("no upload service configured")
	errBadSlot         = errors.New("upload service returned no slot")
)

// XEP-0363 slot request.
type uploadRequest struct {
	XMLName     xml.Name `xml:"urn:xmpp:http:upload:0 request"`
	Filename    string   `xml:"filename,attr"`
	Size        int      `xml:"size,attr"`
	ContentType string   `xml:"content-type,attr,omitempty"`
}

type uploadSlot struct {
	put     string
	get     string
	headers map[string]string
}

// XEP-0047 elements.
type ibbOpen struct {
	XMLName   xml.Name `xml:"http://jabber.org/protocol/ibb open"`
	SID       string   `xml:"sid,attr"`
	BlockSize int      `xml:"block-size,attr"`
	Stanza    string   `xml:"stanza,attr"`
}

type ibbData struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/ibb data"`
	SID     string   `xml:"sid,attr"`
	Seq     uint16   `xml:"seq,attr"`
	Data    string   `xml:",chardata"`
}

type ibbClose struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/ibb close"`
	SID     string   `xml:"sid,attr"`
}

// shareAttachments makes each attachment available in room and returns the
// body left to send. A shared attachment's URL is removed from the body; one
// that could not be shared stays in, or is appended when absent.
func (a *Adapter) shareAttachments(ctx context.Context, room, jid string, atts []event.Attachment, body string) string {
	for _, att := range atts {
		err := a.shareAttachment(ctx, room, jid, att)
		if err == nil {
			if att.URL != "" {
				body = strings.TrimSpace(strings.ReplaceAll(body, att.URL, ""))
			}
			continue
		}
		a.log.Warn().Err(err).Str("room", room).Str("filename", att.Filename).Msg("Failed to share attachment, posting link")
		if att.URL != "" && !strings.Contains(body, att.URL) {
			if body != "" {
				body += "\n"
			}
			body += att.URL
		}
	}
	return body
}

func (a *Adapter) shareAttachment(ctx context.Context, room, jid string, att event.Attachment) error {
	data := att.Data
	if data == nil {
		if att.URL == "" {
			return errors.New("attachment has neither data nor url")
		}
		var mime string
		var err error
		data, mime, err = a.download(ctx, att.URL, maxFileSize)
		if err != nil {
			return err
		}
		if att.ContentType == "" {
			att.ContentType = mime
		}
	}
	if att.Filename == "" {
		att.Filename = defaultFilename
	}
	if att.ContentType == "" {
		att.ContentType = defaultFileMIME
	}
	url, err := a.httpUpload(ctx, jid, att.Filename, att.ContentType, data)
	if err == nil {
		return a.send(stanza.Message{
			Attrs:      stanza.Attrs{Type: stanza.MessageTypeGroupchat, Id: uuid.NewString(), From: jid, To: room},
			Body:       url,
			Extensions: []stanza.MsgExtension{oob{URL: url, Desc: att.Filename}},
		})
	}
	if !errors.Is(err, errNoUploadService) {
		a.log.Debug().Err(err).Str("filename", att.Filename).Msg("HTTP upload failed, trying in-band transfer")
	}
	return a.sendIBB(ctx, jid, room, data)
}

// httpUpload requests a slot and PUTs data to it, returning the GET URL.
func (a *Adapter) httpUpload(ctx context.Context, from, filename, mime string, data []byte) (string, error) {
	if a.cfg.UploadService == "" {
		return "", errNoUploadService
	}
	iq, err := a.request(ctx, iqEnvelope{
		Type: string(stanza.IQTypeGet),
		From: from,
		To:   a.cfg.UploadService,
		Payload: uploadRequest{
			Filename:    filename,
			Size:        len(data),
			ContentType: mime,
		},
	})
	if err != nil {
		return "", fmt.Errorf("request upload slot: %w", err)
	}
	slot, err := parseSlot(iq.Any)
	if err != nil {
		return "", err
	}
	req := a.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", mime).
		SetBody(data)
	for k, v := range slot.headers {
		req.SetHeader(k, v)
	}
	resp, err := req.Put(slot.put)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("upload %s: unexpected status %s", filename, resp.Status())
	}
	return slot.get, nil
}

func parseSlot(n *stanza.Node) (uploadSlot, error) {
	if n == nil || n.XMLName.Local != "slot" {
		return uploadSlot{}, errBadSlot
	}
	put, get := child(n, "put"), child(n, "get")
	slot := uploadSlot{put: attr(put, "url"), get: attr(get, "url"), headers: make(map[string]string)}
	if slot.put == "" || slot.get == "" {
		return uploadSlot{}, errBadSlot
	}
	for _, h := range put.Nodes {
		name := attr(&h, "name")
		if h.XMLName.Local == "header" && slices.Contains(uploadHeaderAllow, http.CanonicalHeaderKey(name)) {
			slot.headers[name] = strings.TrimSpace(h.Content)
		}
	}
	return slot, nil
}

// sendIBB pushes data to the room as an in-band bytestream.
func (a *Adapter) sendIBB(ctx context.Context, from, to string, data []byte) error {
	sid := uuid.NewString()
	send := func(payload any) error {
		_, err := a.request(ctx, iqEnvelope{Type: string(stanza.IQTypeSet), From: from, To: to, Payload: payload})
		return err
	}
	if err := send(ibbOpen{SID: sid, BlockSize: ibbBlockSize, Stanza: "iq"}); err != nil {
		return fmt.Errorf("open in-band stream: %w", err)
	}
	var seq uint16
	for off := 0; off < len(data); off += ibbBlockSize {
		end := min(off+ibbBlockSize, len(data))
		block := ibbData{SID: sid, Seq: seq, Data: base64.StdEncoding.EncodeToString(data[off:end])}
		if err := send(block); err != nil {
			_ = send(ibbClose{SID: sid})
			return fmt.Errorf("send in-band block %d: %w", seq, err)
		}
		seq++
	}
	if err := send(ibbClose{SID: sid}); err != nil {
		return fmt.Errorf("close in-band stream: %w", err)
	}
	return nil
}

type ibbSession struct {
	from      string
	blockSize int
	seq       uint16
	buf       bytes.Buffer
}

// ibbSessions assembles inbound in-band transfers, keyed by sender and sid.
type ibbSessions struct {
	mu       sync.Mutex
	sessions map[string]*ibbSession
}

func newIBBSessions() *ibbSessions {
	return &ibbSessions{sessions: make(map[string]*ibbSession)}
}

var (
	errIBBUnknown  = errors.New("unknown in-band session")
	errIBBSequence = errors.New("unexpected block sequence")
	errIBBBlock    = errors.New("block exceeds negotiated size")
	errIBBTooLarge = errors.New("in-band transfer exceeds size cap")
)

func (s *ibbSessions) open(from, sid string, blockSize int) error {
	if blockSize <= 0 {
		blockSize = ibbDefaultBlock
	}
	if blockSize > ibbMaxBlockSize {
		return errIBBBlock
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[from+"\x00"+sid] = &ibbSession{from: from, blockSize: blockSize}
	return nil
}

func (s *ibbSessions) append(from, sid string, seq uint16, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := from + "\x00" + sid
	sess, ok := s.sessions[key]
	if !ok {
		return errIBBUnknown
	}
	var err error
	switch {
	case seq != sess.seq:
		err = errIBBSequence
	case len(chunk) > sess.blockSize:
		err = errIBBBlock
	case sess.buf.Len()+len(chunk) > maxFileSize:
		err = errIBBTooLarge
	}
	if err != nil {
		delete(s.sessions, key)
		return err
	}
	sess.buf.Write(chunk)
	sess.seq++
	return nil
}

func (s *ibbSessions) close(from, sid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := from + "\x00" + sid
	sess, ok := s.sessions[key]
	if !ok {
		return nil, errIBBUnknown
	}
	delete(s.sessions, key)
	return sess.buf.Bytes(), nil
}

func (a *Adapter) handleIBB(iq *stanza.IQ, name string) {
	from, sid := iq.From, attr(iq.Any, "sid")
	var err error
	switch name {
	case "open":
		size, _ := strconv.Atoi(attr(iq.Any, "block-size"))
		err = a.ibb.open(from, sid, size)
	case "data":
		seq, perr := strconv.ParseUint(attr(iq.Any, "seq"), 10, 16)
		chunk, derr := base64.StdEncoding.DecodeString(strings.TrimSpace(iq.Any.Content))
		if err = errors.Join(perr, derr); err == nil {
			err = a.ibb.append(from, sid, uint16(seq), chunk)
		}
	case "close":
		var data []byte
		if data, err = a.ibb.close(from, sid); err == nil {
			go a.deliverFile(a.ctx(), from, "file-"+sid, data)
		}
	default:
		err = errIBBUnknown
	}
	if err != nil {
		a.log.Debug().Err(err).Str("from", from).Str("sid", sid).Msg("Rejecting in-band transfer stanza")
		a.replyError(iq, "cancel", "item-not-found")
		return
	}
	a.replyResult(iq, nil)
}

// deliverFile forwards a completed inbound transfer to the room's D channel
// and announces it to the other networks.
func (a *Adapter) deliverFile(ctx context.Context, from, filename string, data []byte) {
	room, nick := bare(from), resource(from)
	m, ok := a.router.GetByXMPP(room)
	if !ok {
		return
	}
	if a.uploader != nil && m.DChannel != "" {
		if err := a.uploader.UploadFile(ctx, m.DChannel, data, filename); err != nil {
			a.log.Err(err).Str("room", room).Str("filename", filename).Msg("Failed to forward file to Discord")
		}
	}
	authorID := bare(a.rooms.realJID(room, nick))
	if authorID == "" {
		authorID = from
	}
	a.Publish(&event.MessageIn{
		Origin:        event.XMPP,
		Channel:       room,
		AuthorID:      authorID,
		AuthorDisplay: nick,
		Content:       fmt.Sprintf(fileBodyFormat, filename),
		MessageID:     "xmpp-" + uuid.NewString(),
		Raw:           event.Raw{Origin: event.XMPP},
	})
}
