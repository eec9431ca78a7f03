// Package platformtest provides a scripted in-memory platform client for
// engine tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Call records one outbound operation the fake received.
type Call struct {
	Op        string // "forward", "copy", "edit", "delete"
	SessionID string
	SourceRef string
	DestRef   string
	MsgID     int
	Silent    bool
	Snap      platform.Snapshot
}

// Fake is a scripted platform.Client. Queue errors onto an operation with
// Fail; every successful send returns sequential destination ids.
type Fake struct {
	mu       sync.Mutex
	open     map[string]chan platform.Update
	calls    []Call
	failures map[string][]error // op -> queued errors, consumed FIFO
	healthy  map[string]error   // sessionID -> ping error
	nextID   int

	Dialogs  []platform.Dialog
	CodeHash string
	Blob     []byte
	Name     string
}

var _ platform.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		open:     make(map[string]chan platform.Update),
		failures: make(map[string][]error),
		healthy:  make(map[string]error),
		nextID:   1000,
		CodeHash: "hash",
		Blob:     []byte("blob"),
		Name:     "Test Account",
	}
}

// Fail queues err to be returned by the next call of op.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	f.failures[op] = append(f.failures[op], err)
	f.mu.Unlock()
}

// SetHealth makes HealthPing return err for the session.
func (f *Fake) SetHealth(sessionID string, err error) {
	f.mu.Lock()
	f.healthy[sessionID] = err
	f.mu.Unlock()
}

// Calls returns a copy of the recorded operations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Emit pushes an update onto the session's channel.
func (f *Fake) Emit(up platform.Update) {
	f.mu.Lock()
	ch, ok := f.open[up.SessionID]
	f.mu.Unlock()
	if ok {
		ch <- up
	}
}

// Opened reports whether the session is currently open.
func (f *Fake) Opened(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.open[sessionID]
	return ok
}

func (f *Fake) takeFailure(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *Fake) Open(ctx context.Context, sess *store.Session) error {
	if err := f.takeFailure("open"); err != nil {
		return err
	}
	f.mu.Lock()
	if _, ok := f.open[sess.ID]; !ok {
		f.open[sess.ID] = make(chan platform.Update, platform.IngressBuffer)
	}
	f.mu.Unlock()
	return nil
}

func (f *Fake) Updates(sessionID string) <-chan platform.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.open[sessionID]
	if !ok {
		closed := make(chan platform.Update)
		close(closed)
		return closed
	}
	return ch
}

func (f *Fake) SendOTP(ctx context.Context, phone string) (string, error) {
	if err := f.takeFailure("send_otp"); err != nil {
		return "", err
	}
	return f.CodeHash, nil
}

func (f *Fake) VerifyOTP(ctx context.Context, phone, code, codeHash string) ([]byte, string, error) {
	if err := f.takeFailure("verify_otp"); err != nil {
		return nil, "", err
	}
	if codeHash != f.CodeHash {
		return nil, "", platform.NewError(platform.KindAuthExpired,
			fmt.Errorf("bad code hash %q", codeHash))
	}
	return f.Blob, f.Name, nil
}

func (f *Fake) ListDialogs(ctx context.Context, sessionID string) ([]platform.Dialog, error) {
	if err := f.takeFailure("list_dialogs"); err != nil {
		return nil, err
	}
	return f.Dialogs, nil
}

func (f *Fake) record(c Call) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	f.nextID++
	return f.nextID
}

func (f *Fake) Forward(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, silent bool) (int, error) {
	if err := f.takeFailure("forward"); err != nil {
		return 0, err
	}
	return f.record(Call{Op: "forward", SessionID: sessionID, SourceRef: sourceRef,
		DestRef: destRef, MsgID: sourceMsgID, Silent: silent}), nil
}

func (f *Fake) Copy(ctx context.Context, sessionID, sourceRef, destRef string, sourceMsgID int, snap platform.Snapshot, silent bool) (int, error) {
	if err := f.takeFailure("copy"); err != nil {
		return 0, err
	}
	return f.record(Call{Op: "copy", SessionID: sessionID, SourceRef: sourceRef,
		DestRef: destRef, MsgID: sourceMsgID, Snap: snap, Silent: silent}), nil
}

func (f *Fake) Edit(ctx context.Context, sessionID, destRef string, destMsgID int, snap platform.Snapshot) error {
	if err := f.takeFailure("edit"); err != nil {
		return err
	}
	f.record(Call{Op: "edit", SessionID: sessionID, DestRef: destRef, MsgID: destMsgID, Snap: snap})
	return nil
}

func (f *Fake) Delete(ctx context.Context, sessionID, destRef string, destMsgIDs []int) error {
	if err := f.takeFailure("delete"); err != nil {
		return err
	}
	for _, id := range destMsgIDs {
		f.record(Call{Op: "delete", SessionID: sessionID, DestRef: destRef, MsgID: id})
	}
	return nil
}

func (f *Fake) HealthPing(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	err := f.healthy[sessionID]
	f.mu.Unlock()
	return err
}

func (f *Fake) Close(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	ch, ok := f.open[sessionID]
	delete(f.open, sessionID)
	f.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}
