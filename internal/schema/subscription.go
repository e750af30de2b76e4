package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// SubscriptionStatus tracks the lifecycle of a logical subscription.
type SubscriptionStatus string

const (
	// SubscriptionPending means the subscription awaits remote acknowledgement.
	SubscriptionPending SubscriptionStatus = "pending"
	// SubscriptionActive means the remote side acknowledged the subscription.
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionPaused means delivery is temporarily suspended.
	SubscriptionPaused SubscriptionStatus = "paused"
	// SubscriptionFailed means the remote side rejected the subscription.
	SubscriptionFailed SubscriptionStatus = "failed"
	// SubscriptionCancelled means the subscription was removed.
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// SubscriptionRequest describes a logical stream to subscribe to.
type SubscriptionRequest struct {
	Symbol   string            `json:"symbol"`
	DataType DataType          `json:"data_type"`
	Params   map[string]string `json:"params,omitempty"`
}

// Key derives the registry key: symbol + ':' + data type + ':' + params digest.
func (r SubscriptionRequest) Key() string {
	return CanonicalSymbol(r.Symbol) + ":" + string(r.DataType) + ":" + ParamsDigest(r.Params)
}

// ParamsDigest produces a stable digest of subscription parameters.
// Empty params digest to the empty string so keys stay human-readable.
func ParamsDigest(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:8])
}

// Subscription is the registry's authoritative view of a logical subscription.
type Subscription struct {
	Key          string             `json:"key"`
	Request      SubscriptionRequest `json:"request"`
	StreamName   string             `json:"stream_name"`
	ConnectionID string             `json:"connection_id"`
	Status       SubscriptionStatus `json:"status"`
	SubscribedAt time.Time          `json:"subscribed_at"`
	LastActiveAt time.Time          `json:"last_active_at"`
	MsgCount     uint64             `json:"msg_count"`
	ErrCount     uint64             `json:"err_count"`
	LastError    string             `json:"last_error,omitempty"`
}
