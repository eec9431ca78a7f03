package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
)

// Chat references travel as "<kind>:<id>" strings: "channel:1234",
// "chat:5678", "user:910". Kind mirrors Telegram's peer classes.
const (
	refChannel = "channel"
	refChat    = "chat"
	refUser    = "user"
)

func formatRef(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}

func parseRef(ref string) (kind string, id int64, err error) {
	k, raw, ok := strings.Cut(ref, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed chat ref %q", ref)
	}
	switch k {
	case refChannel, refChat, refUser:
	default:
		return "", 0, fmt.Errorf("unknown chat ref kind %q", ref)
	}
	id, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed chat ref %q", ref)
	}
	return k, id, nil
}

// refOf renders the ref of the peer a message arrived on.
func refOf(peer tg.PeerClass) (string, bool) {
	switch p := peer.(type) {
	case *tg.PeerChannel:
		return formatRef(refChannel, p.ChannelID), true
	case *tg.PeerChat:
		return formatRef(refChat, p.ChatID), true
	case *tg.PeerUser:
		return formatRef(refUser, p.UserID), true
	}
	return "", false
}
