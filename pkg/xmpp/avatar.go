// Copyright 2024-2026 Aiku AI

package xmpp

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gosrc.io/xmpp/stanza"
)

const (
	maxAvatarSize = 1 << 20

	avatarCacheSize = 512
	avatarCacheTTL  = 24 * time.Hour
)

var errTooLarge = errors.New("response body too large")

type photo struct {
	url  string
	hash string
	mime string
	data []byte
}

// newAvatarCache holds the current photo of recently active virtual JIDs,
// served over vcard-temp and advertised by hash in presence. An evicted
// photo is fetched again on the user's next message.
func newAvatarCache() *expirable.LRU[string, photo] {
	return expirable.NewLRU[string, photo](avatarCacheSize, nil, avatarCacheTTL)
}

type vcard struct {
	XMLName  xml.Name    `xml:"vcard-temp vCard"`
	FN       string      `xml:"FN,omitempty"`
	Nickname string      `xml:"NICKNAME,omitempty"`
	Photo    *vcardPhoto `xml:"PHOTO,omitempty"`
}

type vcardPhoto struct {
	Type   string `xml:"TYPE"`
	BinVal string `xml:"BINVAL"`
}

// updateAvatar downloads url as jid's photo. When the photo changed, the
// new hash is broadcast to every room jid sits in.
func (a *Adapter) updateAvatar(ctx context.Context, jid, url string) {
	if p, ok := a.avatars.Get(jid); ok && p.url == url {
		return
	}
	data, mime, err := a.download(ctx, url, maxAvatarSize)
	if err != nil {
		a.log.Warn().Err(err).Str("jid", jid).Str("url", url).Msg("Failed to fetch avatar")
		return
	}
	sum := sha1.Sum(data)
	hash := hex.EncodeToString(sum[:])
	prev, _ := a.avatars.Get(jid)
	a.avatars.Add(jid, photo{url: url, hash: hash, mime: mime, data: data})
	if prev.hash == hash {
		return
	}
	for room, nick := range a.rooms.roomsOf(jid) {
		pres := stanza.Presence{
			Attrs:      stanza.Attrs{From: jid, To: room + "/" + nick},
			Extensions: a.presenceExtensions(jid, nil),
		}
		if err := a.send(pres); err != nil {
			a.log.Debug().Err(err).Str("room", room).Msg("Failed to broadcast avatar update")
		}
	}
}

// presenceExtensions is the payload of every presence a virtual JID sends.
func (a *Adapter) presenceExtensions(jid string, join *mucJoin) []stanza.PresExtension {
	var exts []stanza.PresExtension
	if join != nil {
		exts = append(exts, *join)
	}
	update := vcardUpdate{}
	if p, ok := a.avatars.Get(jid); ok {
		update.Photo = p.hash
	}
	return append(exts, update)
}

// download fetches url, refusing bodies over limit bytes.
func (a *Adapter) download(ctx context.Context, url string, limit int64) ([]byte, string, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("get %s: unexpected status %s", url, resp.Status())
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("get %s: %w", url, errTooLarge)
	}
	mime := resp.Header().Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (a *Adapter) answerVCard(iq *stanza.IQ) {
	to := bare(iq.To)
	card := vcard{Nickname: local(to)}
	if to == a.cfg.Domain {
		card.FN = a.cfg.Brand
	}
	if p, ok := a.avatars.Get(to); ok {
		card.Photo = &vcardPhoto{Type: p.mime, BinVal: base64.StdEncoding.EncodeToString(p.data)}
	}
	a.replyResult(iq, card)
}
