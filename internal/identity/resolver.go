// Package identity maintains the bidirectional mapping between chat IDs
// (11 digits or fewer) and exchange UIDs (12+ digit opaque identifiers),
// with a fallback cascade through keyspace scan, reverse mapping and the
// external user directory.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/exchange"
	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// Directory is the external user-directory used as the last resolution
// fallback and for credential hydration. A nil Directory disables both.
type Directory interface {
	LookupChatID(ctx context.Context, uid string) (string, error)
	LookupCredentials(ctx context.Context, uid string) (exchange.Credentials, error)
}

// Resolver resolves chat IDs and exchange UIDs in both directions.
type Resolver struct {
	store     store.Store
	directory Directory
	logger    zerolog.Logger
}

// NewResolver builds a Resolver. directory may be nil.
func NewResolver(s store.Store, directory Directory, logger zerolog.Logger) *Resolver {
	return &Resolver{store: s, directory: directory, logger: logger}
}

// isChatID reports whether id looks like a chat ID: 11 digits or fewer,
// all numeric. Exchange UIDs are 12+ digits.
func isChatID(id string) bool {
	if id == "" || len(id) > 11 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ResolveToUID maps a chat ID to its exchange UID. Inputs that already
// look like UIDs pass through; unknown chat IDs are returned unchanged
// (callers must tolerate).
func (r *Resolver) ResolveToUID(ctx context.Context, id string) (string, error) {
	if !isChatID(id) {
		return id, nil
	}
	uid, err := r.store.Get(ctx, store.ChatToUIDKey(id))
	if errors.Is(err, store.ErrNil) {
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve chat %s: %w", id, err)
	}
	return uid, nil
}

// ResolveToChatID maps an exchange UID back to a chat ID using the
// three-step cascade. Empty string (never an error) means no link exists.
func (r *Resolver) ResolveToChatID(ctx context.Context, uid string) (string, error) {
	// 1. Scan the forward mappings for entries pointing at uid, ranked by
	//    most recent trade.
	keys, err := r.store.Scan(ctx, store.ChatToUIDPattern, 200)
	if err == nil {
		best := ""
		bestScore := ""
		for _, key := range keys {
			mapped, err := r.store.Get(ctx, key)
			if err != nil || mapped != uid {
				continue
			}
			chatID := chatIDFromKey(key)
			if chatID == "" {
				continue
			}
			lastTrade, _ := r.store.HGet(ctx, store.UserStatsKey(chatID), "last_trade_date")
			if best == "" || lastTrade > bestScore {
				best = chatID
				bestScore = lastTrade
			}
		}
		if best != "" {
			return best, nil
		}
	} else {
		r.logger.Warn().Err(err).Msg("identity scan failed, falling back to reverse key")
	}

	// 2. Reverse mapping.
	chatID, err := r.store.Get(ctx, store.UIDToChatKey(uid))
	if err == nil && chatID != "" {
		return chatID, nil
	}

	// 3. External directory; cache the hit back under the reverse key.
	if r.directory != nil {
		chatID, err := r.directory.LookupChatID(ctx, uid)
		if err == nil && chatID != "" {
			if serr := r.store.Set(ctx, store.UIDToChatKey(uid), chatID, 0); serr != nil {
				r.logger.Warn().Err(serr).Str("okx_uid", uid).Msg("failed caching directory chat id")
			}
			return chatID, nil
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("okx_uid", uid).Msg("directory lookup failed")
		}
	}
	return "", nil
}

// chatIDFromKey extracts the chat ID from a user:{chat}:okx_uid key.
func chatIDFromKey(key string) string {
	// user:{chat_id}:okx_uid
	const prefix = "user:"
	const suffix = ":okx_uid"
	if len(key) <= len(prefix)+len(suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}

// StoreMapping writes both mapping directions atomically. A reassigned
// chat ID first clears its previous reverse edge.
func (r *Resolver) StoreMapping(ctx context.Context, chatID, uid string) error {
	oldUID, err := r.store.Get(ctx, store.ChatToUIDKey(chatID))
	if err != nil && !errors.Is(err, store.ErrNil) {
		return fmt.Errorf("read existing mapping for %s: %w", chatID, err)
	}
	return r.store.Pipeline(ctx, func(p store.Pipe) {
		if oldUID != "" && oldUID != uid {
			p.Del(store.UIDToChatKey(oldUID))
		}
		p.Set(store.ChatToUIDKey(chatID), uid, 0)
		p.Set(store.UIDToChatKey(uid), chatID, 0)
	})
}

// ClearMapping removes both directions of a chat link (the /reset flow).
func (r *Resolver) ClearMapping(ctx context.Context, chatID string) error {
	uid, err := r.store.Get(ctx, store.ChatToUIDKey(chatID))
	if err != nil {
		if errors.Is(err, store.ErrNil) {
			return nil
		}
		return fmt.Errorf("read mapping for %s: %w", chatID, err)
	}
	return r.store.Pipeline(ctx, func(p store.Pipe) {
		p.Del(store.ChatToUIDKey(chatID))
		p.Del(store.UIDToChatKey(uid))
	})
}
