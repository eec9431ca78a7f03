package telegram

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gotd/td/tgerr"

	"github.com/autoforwardx/autoforwardx/internal/platform"
)

// classify maps a raw MTProto failure into the engine's error taxonomy.
// Context errors pass through untouched so cancellation is never retried
// as a platform failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return platform.NewRateLimited(wait, err)
	}
	if rpc, ok := tgerr.As(err); ok {
		switch {
		case strings.HasPrefix(rpc.Type, "AUTH_KEY_"),
			rpc.Type == "SESSION_REVOKED",
			rpc.Type == "SESSION_EXPIRED",
			rpc.Type == "USER_DEACTIVATED":
			// USER_DEACTIVATED is both an auth failure and a ban marker;
			// BanMarker matching runs on the wrapped text either way.
			return platform.NewError(platform.KindAuthExpired, err)
		case rpc.Type == "PEER_ID_INVALID",
			rpc.Type == "CHANNEL_INVALID",
			rpc.Type == "CHANNEL_PRIVATE",
			rpc.Type == "CHAT_ID_INVALID",
			rpc.Type == "USER_ID_INVALID",
			rpc.Type == "CHAT_WRITE_FORBIDDEN",
			rpc.Type == "USER_BANNED_IN_CHANNEL":
			return platform.NewError(platform.KindPeerInvalid, err)
		case rpc.Type == "MESSAGE_EMPTY",
			rpc.Type == "MESSAGE_TOO_LONG",
			rpc.Type == "MEDIA_INVALID",
			rpc.Type == "MESSAGE_ID_INVALID":
			return platform.NewError(platform.KindContentRejected, err)
		case rpc.Code >= 500:
			return platform.NewError(platform.KindTransientNetwork, err)
		}
		return platform.NewError(platform.KindUnknown, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return platform.NewError(platform.KindTransientNetwork, err)
	}
	return platform.NewError(platform.KindUnknown, err)
}
