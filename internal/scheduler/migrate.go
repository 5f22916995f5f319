package scheduler

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/store"
)

// MigrateLegacyKeys copies chat-id-keyed runtime keys (preferences,
// task_id, per-symbol status) forward to their uid-keyed form. The chat
// form is left in place for the transition window; all writers use the
// uid form only.
func MigrateLegacyKeys(ctx context.Context, s store.Store, logger zerolog.Logger) error {
	keys, err := s.Scan(ctx, store.ChatToUIDPattern, 200)
	if err != nil {
		return err
	}
	migrated := 0
	for _, key := range keys {
		chatID := strings.TrimSuffix(strings.TrimPrefix(key, "user:"), ":okx_uid")
		if chatID == "" || chatID == key {
			continue
		}
		uid, err := s.Get(ctx, key)
		if err != nil || uid == "" || uid == chatID {
			continue
		}
		if copyHashForward(ctx, s, store.UserPreferencesKey(chatID), store.UserPreferencesKey(uid)) {
			migrated++
		}
		if copyStringForward(ctx, s, store.UserTaskIDKey(chatID), store.UserTaskIDKey(uid)) {
			migrated++
		}
		statusKeys, err := s.Scan(ctx, "user:"+chatID+":symbol:*:status", 100)
		if err != nil {
			continue
		}
		for _, sk := range statusKeys {
			target := strings.Replace(sk, "user:"+chatID+":", "user:"+uid+":", 1)
			if copyStringForward(ctx, s, sk, target) {
				migrated++
			}
		}
	}
	if migrated > 0 {
		logger.Info().Int("keys", migrated).Msg("legacy chat-id keys copied forward")
	}
	return nil
}

// copyStringForward copies src to dst only when dst is absent.
func copyStringForward(ctx context.Context, s store.Store, src, dst string) bool {
	if _, err := s.Get(ctx, dst); err == nil {
		return false
	}
	val, err := s.Get(ctx, src)
	if err != nil || val == "" {
		return false
	}
	return s.Set(ctx, dst, val, 0) == nil
}

func copyHashForward(ctx context.Context, s store.Store, src, dst string) bool {
	if existing, err := s.HGetAll(ctx, dst); err == nil && len(existing) > 0 {
		return false
	}
	fields, err := s.HGetAll(ctx, src)
	if err != nil || len(fields) == 0 {
		if err != nil && !errors.Is(err, store.ErrNil) {
			return false
		}
		return false
	}
	return s.HSet(ctx, dst, fields) == nil
}
