package store

import (
	"fmt"
	"time"
)

// Archive and safety-bound TTLs.
const (
	CompletedOrderTTL = 14 * 24 * time.Hour
	TrailingStopTTL   = 7 * 24 * time.Hour
	ProcessingFlagTTL = 60 * time.Second
)

// Key builders for the authoritative exchange-UID-based layout. Legacy
// chat-id-keyed twins of status/task/preferences keys are read during the
// migration window but never written; see MigrateLegacyKeys.

func UserAPIKeysKey(uid string) string     { return fmt.Sprintf("user:%s:api:keys", uid) }
func UserSettingsKey(uid string) string    { return fmt.Sprintf("user:%s:settings", uid) }
func UserPreferencesKey(uid string) string { return fmt.Sprintf("user:%s:preferences", uid) }
func UserDualSideKey(uid string) string    { return fmt.Sprintf("user:%s:dual_side", uid) }
func UserStatsKey(uid string) string       { return fmt.Sprintf("user:%s:stats", uid) }
func UserTaskIDKey(uid string) string      { return fmt.Sprintf("user:%s:task_id", uid) }
func UserStopSignalKey(uid string) string  { return fmt.Sprintf("user:%s:stop_signal", uid) }
func TaskRunningKey(uid string) string     { return fmt.Sprintf("task_running:%s", uid) }

func SymbolStatusKey(uid, symbol string) string {
	return fmt.Sprintf("user:%s:symbol:%s:status", uid, symbol)
}

// SymbolStatusPattern matches every per-symbol status key; used by the
// monitor and startup recovery scans.
const SymbolStatusPattern = "user:*:symbol:*:status"

func PositionKey(uid, symbol, side string) string {
	return fmt.Sprintf("user:%s:position:%s:%s", uid, symbol, side)
}

func MonitorOrderKey(uid, symbol, orderID string) string {
	return fmt.Sprintf("monitor:user:%s:%s:order:%s", uid, symbol, orderID)
}

func MonitorOrderPattern(uid string) string {
	return fmt.Sprintf("monitor:user:%s:*:order:*", uid)
}

func CompletedOrderKey(uid, symbol, orderID string) string {
	return fmt.Sprintf("completed:user:%s:%s:order:%s", uid, symbol, orderID)
}

func TrailingKey(uid, symbol, side string) string {
	return fmt.Sprintf("trailing:user:%s:%s:%s", uid, symbol, side)
}

func CooldownKey(uid, symbol, side string) string {
	return fmt.Sprintf("cooldown:user:%s:%s:%s", uid, symbol, side)
}

func CycleLockKey(uid, symbol, timeframe string) string {
	return fmt.Sprintf("lock:user:%s:%s:%s", uid, symbol, timeframe)
}

func ReconcileLockKey(uid, symbol string) string {
	return fmt.Sprintf("lock:user:%s:%s:reconcile", uid, symbol)
}

// Identity mapping keys. The chat-id side lives under user:{chat_id}:okx_uid,
// the reverse under okx_uid_to_telegram:{uid}.
func ChatToUIDKey(chatID string) string { return fmt.Sprintf("user:%s:okx_uid", chatID) }
func UIDToChatKey(uid string) string    { return fmt.Sprintf("okx_uid_to_telegram:%s", uid) }

const ChatToUIDPattern = "user:*:okx_uid"

// Preset keys.
func PresetKey(uid, presetID string) string { return fmt.Sprintf("preset:%s:%s", uid, presetID) }
func PresetListKey(uid string) string       { return fmt.Sprintf("preset:%s:list", uid) }
func PresetDefaultKey(uid string) string    { return fmt.Sprintf("preset:%s:default", uid) }
func PresetUpdateChannel(uid, symbol string) string {
	return fmt.Sprintf("preset:update:%s:%s", uid, symbol)
}
func ActiveSymbolsKey(uid string) string { return fmt.Sprintf("user:%s:active_symbols", uid) }
func SymbolPresetKey(uid, symbol string) string {
	return fmt.Sprintf("user:%s:symbol:%s:preset_id", uid, symbol)
}

// Dispatcher / log-stream keys.
func LogsKey(uid string) string       { return fmt.Sprintf("telegram:logs:by_okx_uid:%s", uid) }
func LogChannelKey(uid string) string { return fmt.Sprintf("telegram:log_channel:by_okx_uid:%s", uid) }
func QueueKey(uid string) string      { return fmt.Sprintf("telegram:queue:%s", uid) }
func ProcessingKey(uid string) string { return fmt.Sprintf("telegram:processing:%s", uid) }
func TelegramStatsKey(uid string) string { return fmt.Sprintf("telegram:stats:%s", uid) }
