// Package filters implements the per-pair content filter pipeline: message
// type gating, blocked phrases, blocked images, plan-gated transforms and
// event-kind gating.
package filters

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Drop reasons. Drops count as filtered on the pair, never as failed.
const (
	ReasonTypeBlocked    = "type_blocked"
	ReasonPhraseBlocked  = "phrase_blocked"
	ReasonImageBlocked   = "image_blocked"
	ReasonEditDisabled   = "edit_disabled"
	ReasonDeleteDisabled = "delete_disabled"
)

// Verdict is the pipeline outcome for one (pair, event).
type Verdict struct {
	Allow  bool
	Reason string // set when Allow is false
}

func allow() Verdict             { return Verdict{Allow: true} }
func drop(reason string) Verdict { return Verdict{Reason: reason} }

// ruleCacheTTL bounds how stale blocklist reads may be. Rules change rarely;
// one store round-trip per user per interval is enough.
const ruleCacheTTL = 30 * time.Second

type cachedRules struct {
	phrases []*store.BlockedPhrase
	images  []*store.BlockedImage
	at      time.Time
}

// Pipeline evaluates filters for events. Safe for concurrent use.
type Pipeline struct {
	st    store.FilterStore
	mu    sync.Mutex
	cache map[string]*cachedRules
	now   func() time.Time
}

// New creates a pipeline reading rules from st.
func New(st store.FilterStore) *Pipeline {
	return &Pipeline{st: st, cache: make(map[string]*cachedRules), now: time.Now}
}

// Invalidate drops the cached rules for a user (called after rule CRUD).
func (p *Pipeline) Invalidate(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, userID)
}

func (p *Pipeline) rules(ctx context.Context, userID string) (*cachedRules, error) {
	p.mu.Lock()
	if c, ok := p.cache[userID]; ok && p.now().Sub(c.at) < ruleCacheTTL {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	phrases, err := p.st.ListBlockedPhrases(ctx, userID)
	if err != nil {
		return nil, err
	}
	images, err := p.st.ListBlockedImages(ctx, userID)
	if err != nil {
		return nil, err
	}
	c := &cachedRules{phrases: phrases, images: images, at: p.now()}
	p.mu.Lock()
	p.cache[userID] = c
	p.mu.Unlock()
	return c, nil
}

// Apply runs the full pipeline for one pair and event. On Allow it returns
// the (possibly transformed) snapshot to enqueue.
func (p *Pipeline) Apply(ctx context.Context, user *store.User, pair *store.Pair, up platform.Update) (platform.Snapshot, Verdict, error) {
	snap := up.Payload

	// Deletions carry no content; only the kind gate applies.
	if up.Kind == platform.EventDelete {
		if !pair.ForwardDeletions {
			return snap, drop(ReasonDeleteDisabled), nil
		}
		return snap, allow(), nil
	}

	if v := typeGate(pair.TypeFilter, snap); !v.Allow {
		return snap, v, nil
	}

	rules, err := p.rules(ctx, user.ID)
	if err != nil {
		return snap, Verdict{}, err
	}

	if v := phraseGate(rules.phrases, pair.ID, snap.Text); !v.Allow {
		return snap, v, nil
	}
	if v := imageGate(rules.images, pair.ID, snap); !v.Allow {
		return snap, v, nil
	}

	if user.EffectiveLimits().AdvancedFiltering {
		snap = transform(pair, snap)
	}

	if up.Kind == platform.EventEdit && !pair.ForwardEdits {
		return snap, drop(ReasonEditDisabled), nil
	}
	return snap, allow(), nil
}

func typeGate(f store.MessageTypeFilter, snap platform.Snapshot) Verdict {
	switch f {
	case store.TypeText:
		if snap.HasMedia() {
			return drop(ReasonTypeBlocked)
		}
	case store.TypeMedia:
		if !snap.HasMedia() {
			return drop(ReasonTypeBlocked)
		}
	}
	return allow()
}

// phraseGate checks pair-scoped rules first, then user-wide ones, matching
// case-insensitive substrings.
func phraseGate(phrases []*store.BlockedPhrase, pairID, text string) Verdict {
	if text == "" {
		return allow()
	}
	lower := strings.ToLower(text)
	match := func(scoped bool) bool {
		for _, ph := range phrases {
			if !ph.Active || ph.Text == "" {
				continue
			}
			pairScoped := ph.PairID != nil
			if pairScoped != scoped {
				continue
			}
			if scoped && *ph.PairID != pairID {
				continue
			}
			if strings.Contains(lower, strings.ToLower(ph.Text)) {
				return true
			}
		}
		return false
	}
	if match(true) || match(false) {
		return drop(ReasonPhraseBlocked)
	}
	return allow()
}

func imageGate(images []*store.BlockedImage, pairID string, snap platform.Snapshot) Verdict {
	if snap.MediaKind != "photo" || snap.ImageDHash == 0 {
		return allow()
	}
	for _, img := range images {
		if !img.Active {
			continue
		}
		if img.PairID != nil && *img.PairID != pairID {
			continue
		}
		if HashesMatch(img.Hash, snap.ImageDHash) {
			return drop(ReasonImageBlocked)
		}
	}
	return allow()
}

// transform applies the plan-gated keyword substitutions and watermark footer.
func transform(pair *store.Pair, snap platform.Snapshot) platform.Snapshot {
	for _, r := range pair.KeywordRules {
		if r.From == "" {
			continue
		}
		snap.Text = replaceFold(snap.Text, r.From, r.To)
	}
	if pair.Watermark != "" {
		if snap.Text != "" {
			snap.Text += "\n\n" + pair.Watermark
		} else {
			snap.Text = pair.Watermark
		}
	}
	return snap
}

// replaceFold replaces every case-insensitive occurrence of from with to.
// Matching is rune-wise so multi-byte case pairs (e.g. İ/i) cannot desync
// the byte offsets.
func replaceFold(s, from, to string) string {
	if from == "" {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if n, ok := foldPrefix(s[i:], from); ok {
			b.WriteString(to)
			i += n
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// foldPrefix reports whether s starts with a case-insensitive match of from,
// and the byte length of the matched prefix in s.
func foldPrefix(s, from string) (int, bool) {
	i := 0
	for _, fr := range from {
		if i >= len(s) {
			return 0, false
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r != fr && unicode.ToLower(r) != unicode.ToLower(fr) {
			return 0, false
		}
		i += size
	}
	return i, true
}
