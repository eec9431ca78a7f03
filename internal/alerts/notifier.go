// Package alerts pushes operator notifications to a Telegram bot chat.
// It listens on the event hub and forwards the activity kinds an operator
// must not miss: emergency stops, session deactivations and rate alerts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

const subscriberID = "alerts-notifier"

// alerted is the set of activity kinds worth paging about.
var alerted = map[string]bool{
	store.ActEmergencyStop:      true,
	store.ActSessionDeactivated: true,
	store.ActRateAlert:          true,
}

// Notifier is the operator alert channel. A nil bot (missing token) makes
// every method a no-op so the engine wires it unconditionally.
type Notifier struct {
	bot    *telego.Bot
	chatID int64
	hub    *bus.Hub
	queue  chan string
}

// New creates the notifier. Returns a disabled notifier when no bot token is
// configured.
func New(cfg config.AlertsConfig, hub *bus.Hub) (*Notifier, error) {
	n := &Notifier{hub: hub, queue: make(chan string, 64)}
	if cfg.BotToken == "" {
		slog.Info("operator alerts disabled, no bot token")
		return n, nil
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("alerts: bot token set but chat_id missing")
	}
	bot, err := telego.NewBot(cfg.BotToken, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("alerts: create bot: %w", err)
	}
	n.bot = bot
	n.chatID = cfg.ChatID
	return n, nil
}

// Run subscribes to the hub and delivers alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	if n.bot == nil {
		<-ctx.Done()
		return nil
	}
	n.hub.Subscribe(subscriberID, func(ev bus.Event) {
		if ev.Name != bus.EventActivity {
			return
		}
		entry, ok := ev.Payload.(*store.ActivityEntry)
		if !ok || !alerted[entry.Kind] {
			return
		}
		select {
		case n.queue <- formatAlert(entry):
		default:
			slog.Warn("alert queue full, alert dropped", "kind", entry.Kind)
		}
	})
	defer n.hub.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-n.queue:
			if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.chatID), text)); err != nil {
				slog.Warn("alert delivery failed", "error", err)
			}
		}
	}
}

func formatAlert(e *store.ActivityEntry) string {
	header := map[string]string{
		store.ActEmergencyStop:      "🛑 Emergency stop",
		store.ActSessionDeactivated: "⚠️ Session deactivated",
		store.ActRateAlert:          "📈 Rate alert",
	}[e.Kind]
	text := fmt.Sprintf("%s\nuser: %s\n%s", header, e.UserID, e.Message)
	if e.SessionID != nil {
		text += "\nsession: " + *e.SessionID
	}
	return text
}
