package models

// FilterOperator enumerates the supported filter operations.
type FilterOperator string

const (
	OpEquals      FilterOperator = "equals"
	OpNotEquals   FilterOperator = "not_equals"
	OpContains    FilterOperator = "contains"
	OpNotContains FilterOperator = "not_contains"
	OpStartsWith  FilterOperator = "starts_with"
	OpEndsWith    FilterOperator = "ends_with"
	OpRegex       FilterOperator = "regex"
	OpIn          FilterOperator = "in"
	OpNotIn       FilterOperator = "not_in"
	OpGt          FilterOperator = "gt"
	OpGte         FilterOperator = "gte"
	OpLt          FilterOperator = "lt"
	OpLte         FilterOperator = "lte"
	OpBetween     FilterOperator = "between"
	OpExists      FilterOperator = "exists"
	OpNotExists   FilterOperator = "not_exists"
)

// Filter is a single field predicate.
type Filter struct {
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value,omitempty"`
	Values   []string       `json:"values,omitempty"` // in / not_in
	From     string         `json:"from,omitempty"`   // between
	To       string         `json:"to,omitempty"`     // between
}

// SortDirection is asc or desc.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort is a single ordering term.
type Sort struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// TimeRange bounds event_timestamp: start inclusive, end exclusive.
type TimeRange struct {
	Start uint32 `json:"start"`
	End   uint32 `json:"end"`
}

// Pagination controls page/size and whether an exact total is wanted.
type Pagination struct {
	Page         int  `json:"page"`
	Size         int  `json:"size"`
	IncludeTotal bool `json:"include_total,omitempty"`
}

// AggregationType enumerates the supported aggregations.
type AggregationType string

const (
	AggCount         AggregationType = "count"
	AggTerms         AggregationType = "terms"
	AggDateHistogram AggregationType = "date_histogram"
)

// Aggregation is a named aggregation request.
type Aggregation struct {
	Type     AggregationType `json:"type"`
	Field    string          `json:"field,omitempty"`
	Size     int             `json:"size,omitempty"`     // terms
	Interval string          `json:"interval,omitempty"` // date_histogram, e.g. "1 HOUR"
}

// SearchOptions carries per-request knobs.
type SearchOptions struct {
	EnableCaching bool `json:"enable_caching,omitempty"`
	CacheTTLSecs  int  `json:"cache_ttl_secs,omitempty"`
	Explain       bool `json:"explain,omitempty"`
}

// SearchRequest is the structured search input. Every field referenced in
// Filters or Sort must be in the event column allow-list.
type SearchRequest struct {
	TenantID     string                 `json:"tenant_id,omitempty"`
	Query        string                 `json:"query,omitempty"`
	TimeRange    *TimeRange             `json:"time_range,omitempty"`
	Filters      map[string]Filter      `json:"filters,omitempty"`
	Sort         []Sort                 `json:"sort,omitempty"`
	Pagination   Pagination             `json:"pagination"`
	Fields       []string               `json:"fields,omitempty"`
	Aggregations map[string]Aggregation `json:"aggregations,omitempty"`
	Options      SearchOptions          `json:"options,omitempty"`
}

// SearchHit is one matched event.
type SearchHit struct {
	ID     string `json:"id"`
	Source Event  `json:"source"`
}

// PageInfo reports the page that was returned. Total is a lower bound
// unless an exact count was requested; HasNext is returned==size.
type PageInfo struct {
	Page    int  `json:"page"`
	Size    int  `json:"size"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// SearchHits is the hits section of a response.
type SearchHits struct {
	Total      int         `json:"total"`
	Hits       []SearchHit `json:"hits"`
	Pagination PageInfo    `json:"pagination"`
}

// TermsBucket is one bucket of a terms aggregation.
type TermsBucket struct {
	Key      string `json:"key"`
	DocCount uint64 `json:"doc_count"`
}

// DateBucket is one bucket of a date_histogram aggregation.
type DateBucket struct {
	Bucket   string `json:"bucket"`
	DocCount uint64 `json:"doc_count"`
}

// AggregationResult holds the result of one named aggregation.
type AggregationResult struct {
	Count       uint64        `json:"count,omitempty"`
	Buckets     []TermsBucket `json:"buckets,omitempty"`
	DateBuckets []DateBucket  `json:"date_buckets,omitempty"`
}

// SearchMetadata describes how the response was produced.
type SearchMetadata struct {
	TookMs      int64  `json:"took_ms"`
	TimedOut    bool   `json:"timed_out"`
	QueryID     string `json:"query_id"`
	TenantID    string `json:"tenant_id,omitempty"`
	CacheHit    bool   `json:"cache_hit"`
	Explanation string `json:"explanation,omitempty"`
}

// SearchResponse is the full search result.
type SearchResponse struct {
	Hits         SearchHits                   `json:"hits"`
	Aggregations map[string]AggregationResult `json:"aggregations,omitempty"`
	Metadata     SearchMetadata               `json:"metadata"`
}
