// Package telegram is the MTProto implementation of the platform client
// pool, built on gotd. One logical client per opened session; sends are
// paced per session and failures are classified into the engine taxonomy.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Per-session send pacing, independent of the anti-ban budget. Telegram
// tolerates roughly one message per second per peer.
const (
	sendInterval = 1200 * time.Millisecond
	sendBurst    = 3
)

var errNotAuthorized = errors.New("session not authorized")

// Pool implements platform.Client on gotd MTProto clients.
type Pool struct {
	apiID   int
	apiHash string
	st      store.SessionStore

	onOverflow func(sessionID string)

	mu    sync.Mutex
	conns map[string]*clientConn

	authMu sync.Mutex
	auth   map[string]*authFlow // keyed by phone
}

var _ platform.Client = (*Pool)(nil)

// NewPool creates the pool. Sessions are opened lazily by the supervisor.
func NewPool(apiID int, apiHash string, st store.SessionStore) *Pool {
	return &Pool{
		apiID:   apiID,
		apiHash: apiHash,
		st:      st,
		conns:   make(map[string]*clientConn),
		auth:    make(map[string]*authFlow),
	}
}

// SetOverflowHook registers the callback fired when a session's ingress
// buffer drops an update.
func (p *Pool) SetOverflowHook(fn func(sessionID string)) { p.onOverflow = fn }

// clientConn is one running MTProto client.
type clientConn struct {
	sessionID string
	client    *telegram.Client
	api       *tg.Client
	peers     *peerCache
	limiter   *rate.Limiter
	updates   chan platform.Update
	cancel    context.CancelFunc
	done      chan struct{}
}

// Open dials Telegram and resumes the session. It returns once the client is
// connected and authorized; the connection then lives until Close.
func (p *Pool) Open(ctx context.Context, sess *store.Session) error {
	if !sess.Usable() {
		return platform.NewError(platform.KindAuthExpired,
			fmt.Errorf("session %s has no credentials", sess.ID))
	}
	p.mu.Lock()
	if _, ok := p.conns[sess.ID]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn := &clientConn{
		sessionID: sess.ID,
		peers:     newPeerCache(),
		limiter:   rate.NewLimiter(rate.Every(sendInterval), sendBurst),
		updates:   make(chan platform.Update, platform.IngressBuffer),
		done:      make(chan struct{}),
	}

	dispatcher := tg.NewUpdateDispatcher()
	p.wireDispatcher(&dispatcher, conn)

	conn.client = telegram.NewClient(p.apiID, p.apiHash, telegram.Options{
		SessionStorage: newSessionStorage(p.st, sess),
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	ready := make(chan error, 1)

	go func() {
		defer close(conn.done)
		err := conn.client.Run(runCtx, func(ctx context.Context) error {
			status, err := conn.client.Auth().Status(ctx)
			if err != nil {
				ready <- err
				return err
			}
			if !status.Authorized {
				ready <- errNotAuthorized
				return errNotAuthorized
			}
			conn.api = conn.client.API()
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("telegram client stopped", "session", conn.sessionID, "error", err)
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-conn.done
			if errors.Is(err, errNotAuthorized) {
				return platform.NewError(platform.KindAuthExpired, err)
			}
			return classify(err)
		}
	case <-ctx.Done():
		cancel()
		<-conn.done
		return ctx.Err()
	}

	p.mu.Lock()
	p.conns[sess.ID] = conn
	p.mu.Unlock()
	slog.Info("telegram session opened", "session", sess.ID, "phone", sess.Phone)
	return nil
}

func (p *Pool) wireDispatcher(d *tg.UpdateDispatcher, conn *clientConn) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		conn.peers.harvest(e)
		p.emitMessage(ctx, conn, platform.EventNew, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		conn.peers.harvest(e)
		p.emitMessage(ctx, conn, platform.EventNew, u.Message)
		return nil
	})
	d.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		conn.peers.harvest(e)
		p.emitMessage(ctx, conn, platform.EventEdit, u.Message)
		return nil
	})
	d.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		conn.peers.harvest(e)
		p.emitMessage(ctx, conn, platform.EventEdit, u.Message)
		return nil
	})
	// Plain UpdateDeleteMessages carries no peer, so only channel deletions
	// can be routed.
	d.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		conn.peers.harvest(e)
		ref := formatRef(refChannel, u.ChannelID)
		for _, id := range u.Messages {
			p.push(conn, platform.Update{
				SessionID: conn.sessionID,
				Kind:      platform.EventDelete,
				SourceRef: ref,
				MessageID: id,
				Payload:   platform.Snapshot{Kind: platform.EventDelete},
			})
		}
		return nil
	})
}

func (p *Pool) emitMessage(ctx context.Context, conn *clientConn, kind platform.EventKind, msg tg.MessageClass) {
	m, ok := msg.(*tg.Message)
	if !ok {
		return
	}
	if m.Out {
		return
	}
	ref, ok := refOf(m.PeerID)
	if !ok {
		return
	}
	snap := snapshotOf(kind, m)
	if snap.MediaKind == "photo" && conn.api != nil {
		if h, ok := photoDHash(ctx, conn.api, m); ok {
			snap.ImageDHash = h
		}
	}
	p.push(conn, platform.Update{
		SessionID: conn.sessionID,
		Kind:      kind,
		SourceRef: ref,
		MessageID: m.ID,
		Payload:   snap,
	})
}

// push delivers the update, dropping the oldest buffered one when full.
func (p *Pool) push(conn *clientConn, up platform.Update) {
	select {
	case conn.updates <- up:
		return
	default:
	}
	select {
	case <-conn.updates:
	default:
	}
	select {
	case conn.updates <- up:
	default:
	}
	slog.Warn("ingress buffer overflow, oldest update dropped", "session", conn.sessionID)
	if p.onOverflow != nil {
		p.onOverflow(conn.sessionID)
	}
}

// Updates returns the session's event channel. Unknown sessions get a closed
// channel so readers terminate.
func (p *Pool) Updates(sessionID string) <-chan platform.Update {
	p.mu.Lock()
	conn, ok := p.conns[sessionID]
	p.mu.Unlock()
	if !ok {
		ch := make(chan platform.Update)
		close(ch)
		return ch
	}
	return conn.updates
}

func (p *Pool) conn(sessionID string) (*clientConn, error) {
	p.mu.Lock()
	conn, ok := p.conns[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, platform.NewError(platform.KindTransientNetwork,
			fmt.Errorf("session %s not open", sessionID))
	}
	return conn, nil
}

// authFlow holds one pending phone login: the client must stay connected
// between SendCode and SignIn.
type authFlow struct {
	client *telegram.Client
	mem    *session.StorageMemory
	cancel context.CancelFunc
	done   chan struct{}
}

// SendOTP starts a login flow for the phone and asks Telegram to dispatch a
// code. The flow stays open until VerifyOTP or process shutdown.
func (p *Pool) SendOTP(ctx context.Context, phone string) (string, error) {
	p.authMu.Lock()
	if old, ok := p.auth[phone]; ok {
		delete(p.auth, phone)
		old.cancel()
	}
	p.authMu.Unlock()

	mem := &session.StorageMemory{}
	client := telegram.NewClient(p.apiID, p.apiHash, telegram.Options{SessionStorage: mem})

	runCtx, cancel := context.WithCancel(context.Background())
	flow := &authFlow{client: client, mem: mem, cancel: cancel, done: make(chan struct{})}
	running := make(chan error, 1)
	go func() {
		defer close(flow.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			running <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case running <- err:
		default:
		}
	}()
	select {
	case err := <-running:
		if err != nil {
			cancel()
			return "", classify(err)
		}
	case <-ctx.Done():
		cancel()
		return "", ctx.Err()
	}

	sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		cancel()
		return "", classify(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		cancel()
		return "", platform.NewError(platform.KindUnknown,
			fmt.Errorf("unexpected sent code type %T", sent))
	}

	p.authMu.Lock()
	p.auth[phone] = flow
	p.authMu.Unlock()
	return code.PhoneCodeHash, nil
}

// VerifyOTP completes the login flow and returns the credential blob and the
// account's display name.
func (p *Pool) VerifyOTP(ctx context.Context, phone, code, codeHash string) ([]byte, string, error) {
	p.authMu.Lock()
	flow, ok := p.auth[phone]
	p.authMu.Unlock()
	if !ok {
		return nil, "", platform.NewError(platform.KindAuthExpired,
			fmt.Errorf("no pending login for %s", phone))
	}

	authz, err := flow.client.Auth().SignIn(ctx, phone, code, codeHash)
	if err != nil {
		return nil, "", classify(err)
	}
	blob, err := flow.mem.LoadSession(ctx)
	if err != nil {
		return nil, "", classify(err)
	}

	displayName := ""
	if u, ok := authz.User.(*tg.User); ok {
		displayName = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}

	p.authMu.Lock()
	delete(p.auth, phone)
	p.authMu.Unlock()
	flow.cancel()
	<-flow.done
	return blob, displayName, nil
}

// ListDialogs enumerates channels, groups and private chats visible to the
// session, refreshing the peer cache along the way.
func (p *Pool) ListDialogs(ctx context.Context, sessionID string) ([]platform.Dialog, error) {
	conn, err := p.conn(sessionID)
	if err != nil {
		return nil, err
	}
	res, err := conn.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return nil, classify(err)
	}

	var chats []tg.ChatClass
	var users []tg.UserClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats, users = d.Chats, d.Users
	case *tg.MessagesDialogsSlice:
		chats, users = d.Chats, d.Users
	default:
		return nil, platform.NewError(platform.KindUnknown,
			fmt.Errorf("unexpected dialogs type %T", res))
	}
	conn.peers.harvestChats(chats)
	conn.peers.harvestUsers(users)

	var out []platform.Dialog
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Channel:
			kind := "channel"
			if chat.Megagroup {
				kind = "group"
			}
			out = append(out, platform.Dialog{
				Ref:   formatRef(refChannel, chat.ID),
				Title: chat.Title,
				Kind:  kind,
			})
		case *tg.Chat:
			out = append(out, platform.Dialog{
				Ref:   formatRef(refChat, chat.ID),
				Title: chat.Title,
				Kind:  "group",
			})
		}
	}
	for _, u := range users {
		usr, ok := u.(*tg.User)
		if !ok || usr.Bot || usr.Self {
			continue
		}
		out = append(out, platform.Dialog{
			Ref:   formatRef(refUser, usr.ID),
			Title: strings.TrimSpace(usr.FirstName + " " + usr.LastName),
			Kind:  "user",
		})
	}
	return out, nil
}

// randomID derives a deterministic MTProto random_id so retries of the same
// queue item never create duplicate destination messages.
func randomID(parts ...string) int64 {
	h := fnv.New64a()
	for _, s := range parts {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// Forward reposts the message with attribution preserved.
func (p *Pool) Forward(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, silent bool) (int, error) {
	return p.forward(ctx, sessionID, sourceRef, destRef, sourceMsgID, silent, false)
}

func (p *Pool) forward(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, silent, dropAuthor bool) (int, error) {
	conn, err := p.conn(sessionID)
	if err != nil {
		return 0, err
	}
	from, err := conn.peers.inputPeer(sourceRef)
	if err != nil {
		return 0, err
	}
	to, err := conn.peers.inputPeer(destRef)
	if err != nil {
		return 0, err
	}
	if err := conn.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	mode := "fwd"
	if dropAuthor {
		mode = "copy"
	}
	upd, err := conn.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from,
		ToPeer:     to,
		ID:         []int{sourceMsgID},
		RandomID:   []int64{randomID(mode, sessionID, sourceRef, destRef, strconv.Itoa(sourceMsgID))},
		Silent:     silent,
		DropAuthor: dropAuthor,
	})
	if err != nil {
		return 0, classify(err)
	}
	return sentMessageID(upd), nil
}

// Copy delivers the snapshot without attribution. Text-only snapshots are
// sent fresh so keyword substitutions and watermarks take effect; media goes
// through a drop-author forward.
func (p *Pool) Copy(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, snap platform.Snapshot, silent bool) (int, error) {
	if snap.HasMedia() || snap.Text == "" {
		return p.forward(ctx, sessionID, sourceRef, destRef, sourceMsgID, silent, true)
	}
	conn, err := p.conn(sessionID)
	if err != nil {
		return 0, err
	}
	to, err := conn.peers.inputPeer(destRef)
	if err != nil {
		return 0, err
	}
	if err := conn.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	upd, err := conn.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     to,
		Message:  snap.Text,
		RandomID: randomID("copy", sessionID, sourceRef, destRef, strconv.Itoa(sourceMsgID)),
		Silent:   silent,
	})
	if err != nil {
		return 0, classify(err)
	}
	return sentMessageID(upd), nil
}

// Edit rewrites a previously delivered destination message.
func (p *Pool) Edit(ctx context.Context, sessionID, destRef string, destMsgID int, snap platform.Snapshot) error {
	conn, err := p.conn(sessionID)
	if err != nil {
		return err
	}
	to, err := conn.peers.inputPeer(destRef)
	if err != nil {
		return err
	}
	if err := conn.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = conn.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    to,
		ID:      destMsgID,
		Message: snap.Text,
	})
	return classify(err)
}

// Delete removes previously delivered destination messages.
func (p *Pool) Delete(ctx context.Context, sessionID, destRef string, destMsgIDs []int) error {
	conn, err := p.conn(sessionID)
	if err != nil {
		return err
	}
	if err := conn.limiter.Wait(ctx); err != nil {
		return err
	}
	kind, _, perr := parseRef(destRef)
	if perr != nil {
		return platform.NewError(platform.KindPeerInvalid, perr)
	}
	if kind == refChannel {
		ch, err := conn.peers.inputChannel(destRef)
		if err != nil {
			return err
		}
		_, err = conn.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: ch,
			ID:      destMsgIDs,
		})
		return classify(err)
	}
	_, err = conn.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		ID:     destMsgIDs,
		Revoke: true,
	})
	return classify(err)
}

// HealthPing verifies the session still resolves its own account.
func (p *Pool) HealthPing(ctx context.Context, sessionID string) error {
	conn, err := p.conn(sessionID)
	if err != nil {
		return err
	}
	self, err := conn.client.Self(ctx)
	if err != nil {
		return classify(err)
	}
	conn.peers.harvestUser(self)
	return nil
}

// Close disconnects the session and closes its update channel.
func (p *Pool) Close(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	conn, ok := p.conns[sessionID]
	delete(p.conns, sessionID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	conn.cancel()
	select {
	case <-conn.done:
	case <-ctx.Done():
	}
	close(conn.updates)
	slog.Info("telegram session closed", "session", sessionID)
	return nil
}

// sentMessageID digs the assigned message id out of a send or forward result.
func sentMessageID(upd tg.UpdatesClass) int {
	switch u := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		return messageIDFromUpdates(u.Updates)
	case *tg.UpdatesCombined:
		return messageIDFromUpdates(u.Updates)
	}
	return 0
}

func messageIDFromUpdates(ups []tg.UpdateClass) int {
	for _, up := range ups {
		switch v := up.(type) {
		case *tg.UpdateMessageID:
			return v.ID
		case *tg.UpdateNewMessage:
			if m, ok := v.Message.(*tg.Message); ok {
				return m.ID
			}
		case *tg.UpdateNewChannelMessage:
			if m, ok := v.Message.(*tg.Message); ok {
				return m.ID
			}
		}
	}
	return 0
}
