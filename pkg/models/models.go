// Package models defines the shared data model for the QueryHive discovery
// engine: resources, vectors, sync tasks, match history, usage statistics
// and health records.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ── Resource ─────────────────────────────────────────────────

// ResourceType classifies what kind of backend a resource fronts.
type ResourceType string

const (
	ResourceDatabase      ResourceType = "database"
	ResourceAPI           ResourceType = "api"
	ResourceTool          ResourceType = "tool"
	ResourceKnowledgeBase ResourceType = "knowledge_base"
	ResourceText2SQL      ResourceType = "text2sql"
)

// ValidResourceType reports whether t is one of the known resource types.
func ValidResourceType(t ResourceType) bool {
	switch t {
	case ResourceDatabase, ResourceAPI, ResourceTool, ResourceKnowledgeBase, ResourceText2SQL:
		return true
	}
	return false
}

// ResourceStatus is the lifecycle state of a resource.
type ResourceStatus string

const (
	StatusActive      ResourceStatus = "active"
	StatusInactive    ResourceStatus = "inactive"
	StatusMaintenance ResourceStatus = "maintenance"
	StatusError       ResourceStatus = "error"
)

// VectorizationStatus tracks embedding freshness for a resource.
type VectorizationStatus string

const (
	VectorizationPending    VectorizationStatus = "pending"
	VectorizationProcessing VectorizationStatus = "processing"
	VectorizationCompleted  VectorizationStatus = "completed"
	VectorizationFailed     VectorizationStatus = "failed"
)

// ResourceRecord is the authoritative catalog entry for one discoverable
// backend capability. Owned by the registry; the sync scheduler mutates
// VectorizationStatus, usage rollups mutate the counters.
type ResourceRecord struct {
	ResourceID   string         `json:"resource_id"`
	ResourceType ResourceType   `json:"resource_type"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	Status              ResourceStatus      `json:"status"`
	VectorizationStatus VectorizationStatus `json:"vectorization_status"`

	// Provenance only — which upstream record this resource was registered from.
	SourceTable string `json:"source_table,omitempty"`
	SourceID    string `json:"source_id,omitempty"`

	UsageCount      int64   `json:"usage_count"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseTime float64 `json:"avg_response_time"` // seconds

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the structurally required fields of a resource.
func (r *ResourceRecord) Validate() error {
	if strings.TrimSpace(r.ResourceID) == "" {
		return &ValidationError{Field: "resource_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !ValidResourceType(r.ResourceType) {
		return &ValidationError{Field: "resource_type", Reason: fmt.Sprintf("unknown type %q", r.ResourceType)}
	}
	return nil
}

// Clone returns a deep-enough copy so callers can't mutate stored state.
func (r *ResourceRecord) Clone() *ResourceRecord {
	cp := *r
	cp.Capabilities = append([]string(nil), r.Capabilities...)
	cp.Tags = append([]string(nil), r.Tags...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ── Vectors ──────────────────────────────────────────────────

// VectorType names which textual facet of a resource an embedding represents.
type VectorType string

const (
	VectorName         VectorType = "name"
	VectorDescription  VectorType = "description"
	VectorCapabilities VectorType = "capabilities"
	VectorComposite    VectorType = "composite"
)

// AllVectorTypes is the default facet set embedded per resource.
var AllVectorTypes = []VectorType{VectorName, VectorDescription, VectorCapabilities, VectorComposite}

// VectorRecord holds one embedding for a (resource, facet) pair.
// Exactly one record exists per pair; re-embedding replaces it.
type VectorRecord struct {
	ResourceID  string     `json:"resource_id"`
	VectorType  VectorType `json:"vector_type"`
	Embedding   []float64  `json:"embedding"`
	Dimensions  int        `json:"dimensions"`
	Model       string     `json:"model"`        // embedding model identity
	ContentHash string     `json:"content_hash"` // hash of the embedded text projection
	Norm        float64    `json:"norm"`         // pre-normalization magnitude, for quality filtering
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ── Sync Tasks ───────────────────────────────────────────────

// OperationType distinguishes what a sync task does.
type OperationType string

const (
	OpDiscovery     OperationType = "discovery"
	OpVectorization OperationType = "vectorization"
	OpSync          OperationType = "sync"
)

// TaskState is the sync task state machine: pending → running → completed|failed.
// Terminal states never revert.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether s is a terminal task state.
func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// SyncTask is one tracked (re)vectorization run.
type SyncTask struct {
	TaskID        string        `json:"task_id"`
	OperationType OperationType `json:"operation_type"`
	State         TaskState     `json:"state"`
	ForceFull     bool          `json:"force_full"`

	TotalItems      int `json:"total_items"`
	ProcessedItems  int `json:"processed_items"`
	SuccessfulItems int `json:"successful_items"`
	FailedItems     int `json:"failed_items"`
	SkippedItems    int `json:"skipped_items"`

	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Progress returns processed/total in [0,1]; 1 for empty tasks in a terminal state.
func (t *SyncTask) Progress() float64 {
	if t.TotalItems <= 0 {
		if t.State.Terminal() {
			return 1
		}
		return 0
	}
	return float64(t.ProcessedItems) / float64(t.TotalItems)
}

// ── Match History ────────────────────────────────────────────

// Feedback is optional user feedback attached to a recorded match.
type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
	FeedbackNeutral  Feedback = "neutral"
)

// MatchQuery is the append-only record of one discovery request.
type MatchQuery struct {
	MatchID   string `json:"match_id"`
	Query     string `json:"query"`
	QueryHash string `json:"query_hash"`

	MatchedResourceIDs []string  `json:"matched_resource_ids"`
	Similarities       []float64 `json:"similarities"`
	Confidences        []float64 `json:"confidences"`

	SelectedResourceID string   `json:"selected_resource_id,omitempty"`
	Success            *bool    `json:"success,omitempty"`
	Feedback           Feedback `json:"feedback,omitempty"`
	ResponseTime       float64  `json:"response_time,omitempty"` // seconds, reported with the outcome

	CreatedAt time.Time `json:"created_at"`
}

// UsageStat is the per-(resource, day) rollup of match history.
type UsageStat struct {
	ResourceID        string    `json:"resource_id"`
	Date              string    `json:"date"` // YYYY-MM-DD (UTC)
	TotalMatches      int64     `json:"total_matches"`
	SuccessfulMatches int64     `json:"successful_matches"`
	UserSelections    int64     `json:"user_selections"`
	PositiveFeedback  int64     `json:"positive_feedback"`
	NegativeFeedback  int64     `json:"negative_feedback"`
	AvgSimilarity     float64   `json:"avg_similarity"`
	AvgResponseTime   float64   `json:"avg_response_time"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ── Health ───────────────────────────────────────────────────

// HealthStatus is the probe-derived condition of a resource.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
	HealthUnknown HealthStatus = "unknown"
)

// HealthRecord is the latest probe result for a resource.
type HealthRecord struct {
	ResourceID    string       `json:"resource_id"`
	Status        HealthStatus `json:"status"`
	Score         float64      `json:"score"` // [0,1]
	LatencyMS     int64        `json:"latency_ms"`
	Detail        string       `json:"detail,omitempty"`
	LastCheckedAt time.Time    `json:"last_checked_at"`
}

// ProbeResult is what a health-check collaborator returns for one probe.
type ProbeResult struct {
	OK        bool
	LatencyMS int64
	Err       error
}

// ── Discovery request / result ───────────────────────────────

// ConfidenceBucket is the presentation-level grouping of a confidence score.
type ConfidenceBucket string

const (
	BucketHigh    ConfidenceBucket = "high"
	BucketMedium  ConfidenceBucket = "medium"
	BucketLow     ConfidenceBucket = "low"
	BucketVeryLow ConfidenceBucket = "very_low"
)

// DiscoverRequest is one "which resources match this query" request.
type DiscoverRequest struct {
	Query         string         `json:"query"`
	TopK          int            `json:"top_k"`
	MinConfidence float64        `json:"min_confidence"`
	ResourceTypes []ResourceType `json:"resource_types,omitempty"`

	// Context carries caller hints (preferred types, tags) fused into the
	// confidence score. Optional.
	Context *QueryContext `json:"context,omitempty"`
}

// Validate rejects malformed discovery parameters before any side effect.
func (r *DiscoverRequest) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if r.TopK < 1 {
		return &ValidationError{Field: "top_k", Reason: "must be >= 1"}
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return &ValidationError{Field: "min_confidence", Reason: "must be in [0,1]"}
	}
	for _, t := range r.ResourceTypes {
		if !ValidResourceType(t) {
			return &ValidationError{Field: "resource_types", Reason: fmt.Sprintf("unknown type %q", t)}
		}
	}
	return nil
}

// QueryContext carries caller-supplied ranking hints.
type QueryContext struct {
	PreferredTypes []ResourceType `json:"preferred_types,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
}

// Match is one ranked discovery result.
type Match struct {
	ResourceID   string           `json:"resource_id"`
	ResourceType ResourceType     `json:"resource_type"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	VectorType   VectorType       `json:"vector_type"`
	Similarity   float64          `json:"similarity"`
	Confidence   float64          `json:"confidence"`
	Bucket       ConfidenceBucket `json:"confidence_bucket"`
	UsageCount   int64            `json:"usage_count"`
}

// MatchResult is the complete answer to a discovery request.
type MatchResult struct {
	MatchID        string          `json:"match_id"`
	Matches        []Match         `json:"matches"`
	BestMatch      *Match          `json:"best_match,omitempty"`
	TotalMatches   int             `json:"total_matches"`
	ProcessingTime float64         `json:"processing_time_s"`
	Cached         bool            `json:"cached"`
	Parameters     DiscoverRequest `json:"parameters"`
}

// ── Statistics ───────────────────────────────────────────────

// TypeStatistics aggregates the catalog per resource type.
type TypeStatistics struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Vectorized int `json:"vectorized"`
}

// MatchStatistics aggregates recorded match history.
type MatchStatistics struct {
	TotalQueries   int64   `json:"total_queries"`
	WithSelection  int64   `json:"with_selection"`
	PositiveRate   float64 `json:"positive_rate"`
	AvgResultCount float64 `json:"avg_result_count"`
}

// Statistics is the get_statistics payload.
type Statistics struct {
	ResourcesByType map[ResourceType]TypeStatistics `json:"resource_statistics_by_type"`
	Matches         MatchStatistics                 `json:"match_statistics"`
}
