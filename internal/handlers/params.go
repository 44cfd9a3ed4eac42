package handlers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"argus/internal/query"
	"argus/pkg/models"
)

// invalidFieldError marks a filter or sort referencing a field outside
// the allow-list, surfaced as INVALID_FIELD.
type invalidFieldError struct {
	field string
}

func (e *invalidFieldError) Error() string {
	return fmt.Sprintf("field %q is not searchable", e.field)
}

// Query parameters reserved for the request shape itself; everything
// else is treated as a field filter and must pass the allow-list.
var reservedParams = map[string]struct{}{
	"q": {}, "tenant_id": {}, "start_time": {}, "end_time": {},
	"page": {}, "size": {}, "include_total": {},
	"sort": {}, "fields": {},
	"cache": {}, "cache_ttl": {}, "explain": {},
	"count": {}, "terms": {}, "histogram": {},
}

var filterOps = map[string]models.FilterOperator{
	"eq": models.OpEquals, "neq": models.OpNotEquals,
	"contains": models.OpContains, "ncontains": models.OpNotContains,
	"prefix": models.OpStartsWith, "suffix": models.OpEndsWith,
	"regex": models.OpRegex,
	"in":    models.OpIn, "nin": models.OpNotIn,
	"gt": models.OpGt, "gte": models.OpGte,
	"lt": models.OpLt, "lte": models.OpLte,
	"between": models.OpBetween,
	"exists":  models.OpExists, "nexists": models.OpNotExists,
}

// searchRequestFromQuery builds a SearchRequest from URL parameters.
//
// Any allow-listed column name is usable directly as a parameter; the
// value is `op:operand` with a bare value meaning equals. Examples:
//
//	?severity=in:high,critical&user_name=alice&src_port=between:1024,2048
//	?q=failed&sort=event_timestamp:desc&terms=severity:10&histogram=1 hour
func searchRequestFromQuery(c *gin.Context) (*models.SearchRequest, error) {
	req := &models.SearchRequest{
		TenantID: c.GetString("tenant_id"),
		Query:    c.Query("q"),
	}
	if req.TenantID == "" {
		req.TenantID = c.Query("tenant_id")
	}

	if start := c.Query("start_time"); start != "" || c.Query("end_time") != "" {
		tr, err := parseTimeRange(start, c.Query("end_time"))
		if err != nil {
			return nil, err
		}
		req.TimeRange = tr
	}

	page, err := intParam(c, "page", 1)
	if err != nil {
		return nil, err
	}
	size, err := intParam(c, "size", 100)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive")
	}
	req.Pagination = models.Pagination{
		Page:         page,
		Size:         size,
		IncludeTotal: c.Query("include_total") == "true",
	}

	if sorts := c.Query("sort"); sorts != "" {
		for _, term := range strings.Split(sorts, ",") {
			field, dir, _ := strings.Cut(term, ":")
			if !query.FieldAllowed(field) {
				return nil, &invalidFieldError{field: field}
			}
			direction := models.SortDesc
			if dir == "asc" {
				direction = models.SortAsc
			}
			req.Sort = append(req.Sort, models.Sort{Field: field, Direction: direction})
		}
	}

	if fields := c.Query("fields"); fields != "" {
		req.Fields = strings.Split(fields, ",")
	}

	if err := parseFilters(c, req); err != nil {
		return nil, err
	}
	if err := parseAggregations(c, req); err != nil {
		return nil, err
	}

	req.Options.EnableCaching = c.Query("cache") == "true"
	req.Options.Explain = c.Query("explain") == "true"
	if ttl := c.Query("cache_ttl"); ttl != "" {
		secs, err := strconv.Atoi(ttl)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("invalid cache_ttl %q", ttl)
		}
		req.Options.CacheTTLSecs = secs
	}

	return req, nil
}

func parseTimeRange(start, end string) (*models.TimeRange, error) {
	tr := &models.TimeRange{}
	if start != "" {
		v, err := strconv.ParseUint(start, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid start_time %q", start)
		}
		tr.Start = uint32(v)
	}
	if end != "" {
		v, err := strconv.ParseUint(end, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time %q", end)
		}
		tr.End = uint32(v)
	}
	return tr, nil
}

func parseFilters(c *gin.Context, req *models.SearchRequest) error {
	for name, values := range c.Request.URL.Query() {
		if _, reserved := reservedParams[name]; reserved || len(values) == 0 {
			continue
		}
		if !query.FieldAllowed(name) {
			return &invalidFieldError{field: name}
		}

		filter, err := parseFilterValue(values[0])
		if err != nil {
			return fmt.Errorf("filter %s: %w", name, err)
		}
		if req.Filters == nil {
			req.Filters = make(map[string]models.Filter)
		}
		req.Filters[name] = filter
	}
	return nil
}

func parseFilterValue(raw string) (models.Filter, error) {
	opName, operand, found := strings.Cut(raw, ":")
	op, known := filterOps[opName]
	if !found || !known {
		// A bare value, or a value with a colon that is not an
		// operator prefix, means equality.
		return models.Filter{Operator: models.OpEquals, Value: raw}, nil
	}

	switch op {
	case models.OpIn, models.OpNotIn:
		values := strings.Split(operand, ",")
		if len(values) == 0 || values[0] == "" {
			return models.Filter{}, fmt.Errorf("%s requires at least one value", opName)
		}
		return models.Filter{Operator: op, Values: values}, nil
	case models.OpBetween:
		from, to, ok := strings.Cut(operand, ",")
		if !ok || from == "" || to == "" {
			return models.Filter{}, fmt.Errorf("between requires two values")
		}
		return models.Filter{Operator: op, From: from, To: to}, nil
	case models.OpExists, models.OpNotExists:
		return models.Filter{Operator: op}, nil
	default:
		if operand == "" {
			return models.Filter{}, fmt.Errorf("%s requires a value", opName)
		}
		return models.Filter{Operator: op, Value: operand}, nil
	}
}

func parseAggregations(c *gin.Context, req *models.SearchRequest) error {
	add := func(name string, agg models.Aggregation) {
		if req.Aggregations == nil {
			req.Aggregations = make(map[string]models.Aggregation)
		}
		req.Aggregations[name] = agg
	}

	if c.Query("count") == "true" {
		add("count", models.Aggregation{Type: models.AggCount})
	}

	if terms := c.Query("terms"); terms != "" {
		field, sizeStr, _ := strings.Cut(terms, ":")
		if !query.FieldAllowed(field) {
			return &invalidFieldError{field: field}
		}
		size := 10
		if sizeStr != "" {
			v, err := strconv.Atoi(sizeStr)
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid terms size %q", sizeStr)
			}
			size = v
		}
		add("terms_"+field, models.Aggregation{Type: models.AggTerms, Field: field, Size: size})
	}

	if interval := c.Query("histogram"); interval != "" {
		add("over_time", models.Aggregation{Type: models.AggDateHistogram, Interval: interval})
	}
	return nil
}

func intParam(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return v, nil
}
