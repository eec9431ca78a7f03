package telegram

import (
	"fmt"
	"sync"

	"github.com/gotd/td/tg"

	"github.com/autoforwardx/autoforwardx/internal/platform"
)

// peerCache maps peer ids to the access hashes harvested from update
// entities and dialog listings. Channels and users need a hash to build an
// input peer; basic chats do not.
type peerCache struct {
	mu       sync.RWMutex
	users    map[int64]int64
	channels map[int64]int64
}

func newPeerCache() *peerCache {
	return &peerCache{
		users:    make(map[int64]int64),
		channels: make(map[int64]int64),
	}
}

// harvest records access hashes carried alongside updates.
func (p *peerCache) harvest(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, u := range e.Users {
		p.users[id] = u.AccessHash
	}
	for id, c := range e.Channels {
		p.channels[id] = c.AccessHash
	}
}

func (p *peerCache) harvestUser(u *tg.User) {
	p.mu.Lock()
	p.users[u.ID] = u.AccessHash
	p.mu.Unlock()
}

func (p *peerCache) harvestChats(chats []tg.ChatClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok {
			p.channels[ch.ID] = ch.AccessHash
		}
	}
}

func (p *peerCache) harvestUsers(users []tg.UserClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range users {
		if usr, ok := u.(*tg.User); ok {
			p.users[usr.ID] = usr.AccessHash
		}
	}
}

// inputPeer resolves a chat ref into a tg input peer. An unknown channel or
// user hash means the session has never seen the peer; callers surface that
// as peer_invalid.
func (p *peerCache) inputPeer(ref string) (tg.InputPeerClass, error) {
	kind, id, err := parseRef(ref)
	if err != nil {
		return nil, platform.NewError(platform.KindPeerInvalid, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch kind {
	case refChat:
		return &tg.InputPeerChat{ChatID: id}, nil
	case refChannel:
		hash, ok := p.channels[id]
		if !ok {
			return nil, platform.NewError(platform.KindPeerInvalid,
				fmt.Errorf("unknown channel %d", id))
		}
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, nil
	case refUser:
		hash, ok := p.users[id]
		if !ok {
			return nil, platform.NewError(platform.KindPeerInvalid,
				fmt.Errorf("unknown user %d", id))
		}
		return &tg.InputPeerUser{UserID: id, AccessHash: hash}, nil
	}
	return nil, platform.NewError(platform.KindPeerInvalid,
		fmt.Errorf("unknown chat ref kind %q", ref))
}

// inputChannel resolves a channel ref for channel-scoped calls.
func (p *peerCache) inputChannel(ref string) (*tg.InputChannel, error) {
	kind, id, err := parseRef(ref)
	if err != nil || kind != refChannel {
		return nil, platform.NewError(platform.KindPeerInvalid,
			fmt.Errorf("not a channel ref %q", ref))
	}
	p.mu.RLock()
	hash, ok := p.channels[id]
	p.mu.RUnlock()
	if !ok {
		return nil, platform.NewError(platform.KindPeerInvalid,
			fmt.Errorf("unknown channel %d", id))
	}
	return &tg.InputChannel{ChannelID: id, AccessHash: hash}, nil
}
