package store

import "time"

// Plan is a billing tier. Plans and their limits are owned by the external
// billing component; the engine only reads them.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// PlanLimits are the feature limits attached to a plan.
type PlanLimits struct {
	MaxSessions       int  `json:"max_sessions"`
	MaxPairs          int  `json:"max_pairs"`
	MsgsPerDay        int  `json:"msgs_per_day"`
	AdvancedFiltering bool `json:"advanced_filtering"`
}

var planLimits = map[Plan]PlanLimits{
	PlanFree:     {MaxSessions: 1, MaxPairs: 3, MsgsPerDay: 200, AdvancedFiltering: false},
	PlanPro:      {MaxSessions: 3, MaxPairs: 15, MsgsPerDay: 5000, AdvancedFiltering: true},
	PlanBusiness: {MaxSessions: 10, MaxPairs: 100, MsgsPerDay: 50000, AdvancedFiltering: true},
}

// LimitsFor returns the default limits for a plan. Unknown plans get free limits.
func LimitsFor(p Plan) PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// User is a tenant. Users are created by the external signup flow; the engine
// reads plan and limits, never mutates them.
type User struct {
	ID         string      `json:"id"`
	Plan       Plan        `json:"plan"`
	PlanExpiry *time.Time  `json:"plan_expiry,omitempty"`
	Limits     *PlanLimits `json:"limits,omitempty"` // per-user override from billing, nil = plan default
	CreatedAt  time.Time   `json:"created_at"`
}

// EffectiveLimits returns the user's limits, falling back to the plan table.
// An expired plan falls back to free limits.
func (u *User) EffectiveLimits() PlanLimits {
	if u.Limits != nil {
		return *u.Limits
	}
	if u.PlanExpiry != nil && time.Now().After(*u.PlanExpiry) {
		return LimitsFor(PlanFree)
	}
	return LimitsFor(u.Plan)
}

// Session is an authenticated Telegram user-account connection.
// Credentials holds the opaque client session blob; only the platform adapter
// may parse or write it.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Phone        string     `json:"phone"`
	Credentials  []byte     `json:"-"`
	Active       bool       `json:"active"`
	LastHealthAt *time.Time `json:"last_health_at,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Usable reports whether the session may back a platform client.
func (s *Session) Usable() bool {
	return s.Active && len(s.Credentials) > 0
}

// PairState is the lifecycle state of a forwarding pair.
type PairState string

const (
	PairActive  PairState = "active"
	PairPaused  PairState = "paused"
	PairStopped PairState = "stopped"
	PairError   PairState = "error"
)

// MessageTypeFilter restricts which message kinds a pair forwards.
type MessageTypeFilter string

const (
	TypeAll   MessageTypeFilter = "all"
	TypeMedia MessageTypeFilter = "media"
	TypeText  MessageTypeFilter = "text"
)

// KeywordRule is a plan-gated substitution applied to outgoing text.
type KeywordRule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PairStats are cumulative counters for a pair. Drops by the filter pipeline
// count as Filtered, never as Failed.
type PairStats struct {
	Forwarded  int64      `json:"forwarded"`
	Successful int64      `json:"successful"`
	Failed     int64      `json:"failed"`
	Filtered   int64      `json:"filtered"`
	LastAt     *time.Time `json:"last_at,omitempty"`
}

// Pair is a directed forwarding configuration (source -> destination).
type Pair struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	SessionID        string            `json:"session_id"`
	SourceRef        string            `json:"source_ref"`
	DestinationRef   string            `json:"destination_ref"`
	State            PairState         `json:"state"`
	DelayMinS        int               `json:"delay_min_s"`
	DelayMaxS        int               `json:"delay_max_s"`
	CopyMode         bool              `json:"copy_mode"`
	Silent           bool              `json:"silent"`
	ForwardEdits     bool              `json:"forward_edits"`
	ForwardDeletions bool              `json:"forward_deletions"`
	TypeFilter       MessageTypeFilter `json:"message_type_filter"`
	Chain            bool              `json:"chain"`
	Serialized       bool              `json:"serialized"`
	KeywordRules     []KeywordRule     `json:"keyword_rules,omitempty"`
	Watermark        string            `json:"watermark,omitempty"`
	Stats            PairStats         `json:"stats"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

const MaxDelaySeconds = 86400

// BlockedPhrase drops messages containing the phrase as a case-insensitive
// substring. PairID nil means the rule applies to every pair of the user.
type BlockedPhrase struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	PairID *string `json:"pair_id,omitempty"`
	Text   string  `json:"text"`
	Active bool    `json:"active"`
}

// BlockedImage drops image messages whose perceptual hash matches.
type BlockedImage struct {
	ID     string  `json:"id"`
	UserID string  `json:"user_id"`
	PairID *string `json:"pair_id,omitempty"`
	Hash   uint64  `json:"image_hash"`
	Active bool    `json:"active"`
}

// QueueStatus is the delivery status of a queue item.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
	StatusCleared    QueueStatus = "cleared"
)

// Terminal reports whether the status ends the item's lifecycle.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCleared
}

// QueueItem is one scheduled unit of forwarding work. At most one item per
// (pair_id, source_message_id) may be in a non-terminal status.
type QueueItem struct {
	ID              string      `json:"id"`
	PairID          string      `json:"pair_id"`
	SourceMessageID int         `json:"source_message_id"`
	SourceRef       string      `json:"source_ref"`
	DestinationRef  string      `json:"destination_ref"`
	Payload         []byte      `json:"payload"`
	ScheduledAt     time.Time   `json:"scheduled_at"`
	Status          QueueStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	LastError       string      `json:"last_error,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ProcessedAt     *time.Time  `json:"processed_at,omitempty"`
}

// Activity kinds recorded by the engine.
const (
	ActIngressOverflow    = "ingress_overflow"
	ActSessionDeactivated = "session_deactivated"
	ActSessionReconnected = "session_reconnected"
	ActMessageForwarded   = "message_forwarded"
	ActMessageFailed      = "message_failed"
	ActRateAlert          = "rate_alert"
	ActEmergencyStop      = "emergency_stop"
	ActPairCreated        = "pair_created"
	ActPairDeleted        = "pair_deleted"
	ActPairStateChanged   = "pair_state_changed"
	ActQueueCleared       = "queue_cleared"
)

// ActivityEntry is an append-only audit record. Never mutated.
type ActivityEntry struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	PairID    *string           `json:"pair_id,omitempty"`
	SessionID *string           `json:"session_id,omitempty"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        time.Time         `json:"at"`
}

// QueueStats maps status to item count.
type QueueStats map[QueueStatus]int

// DashboardStats is the per-user summary served to the dashboard.
type DashboardStats struct {
	ActivePairs       int        `json:"active_pairs"`
	MessagesToday     int        `json:"messages_today"`
	SuccessRate       float64    `json:"success_rate"`
	ConnectedAccounts int        `json:"connected_accounts"`
	Queue             QueueStats `json:"queue_counts"`
}

// AdminStats is the instance-wide summary served to admins.
type AdminStats struct {
	UsersByPlan      map[Plan]int `json:"users_by_plan"`
	TotalPairs       int          `json:"total_pairs"`
	TotalSessions    int          `json:"total_sessions"`
	Queue            QueueStats   `json:"global_queue_counts"`
	UnresolvedErrors int          `json:"unresolved_errors"`
}
