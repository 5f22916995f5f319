// Package events defines the log-entry model and the closed sets of
// event types, categories and statuses shared by the dispatcher, the
// monitor loop and the API log endpoints.
package events

import (
	"fmt"
	"time"
)

// Categories route user-visible messages to the right chat template and
// feed the per-category counters.
const (
	CategoryError = "error"
	CategoryEntry = "entry"
	CategoryExit  = "exit"
	CategoryTP    = "tp"
	CategorySL    = "sl"
	CategoryStart = "start"
	CategoryStop  = "stop"
)

// Event types on the ordered log stream.
const (
	TypeTradingStart      = "trading_start"
	TypeTradingStop       = "trading_stop"
	TypePositionEntry     = "position_entry"
	TypeDCAEntry          = "dca_entry"
	TypePositionClosed    = "position_closed"
	TypeSLExecution       = "sl_execution"
	TypeBreakEven         = "break_even"
	TypeTrailingExecution = "trailing_stop_execution"
	TypeTrailingArmed     = "trailing_stop_armed"
	TypeOrderCanceled     = "order_canceled"
	TypeError             = "error"
)

// TPExecution names the fill event for a TP level, e.g. tp2_execution.
func TPExecution(level int) string { return fmt.Sprintf("tp%d_execution", level) }

// Entry statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPending = "pending"
)

// Entry is one record on telegram:logs:by_okx_uid:{uid}, scored by unix
// time, and the payload streamed on the matching pub/sub channel.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	Symbol       string    `json:"symbol,omitempty"`
	EventType    string    `json:"event_type"`
	Status       string    `json:"status"`
	Category     string    `json:"category"`
	StrategyType string    `json:"strategy_type,omitempty"`
	Content      string    `json:"content"`
	MessageID    string    `json:"message_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}
