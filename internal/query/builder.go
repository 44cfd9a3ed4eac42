package query

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"argus/pkg/models"
)

var (
	ErrInvalidField           = errors.New("field is not in the allow-list")
	ErrInvalidTableName       = errors.New("invalid table name")
	ErrUnsupportedAggregation = errors.New("unsupported aggregation")
	ErrRegexDisabled          = errors.New("regex filters are disabled")
)

// Options control builder behavior. Zero values mean: page size cap 1000,
// no full-text index, regex filters off.
type Options struct {
	MaxPageSize int
	FullText    bool
	AllowRegex  bool
}

const (
	defaultPageSize = 100
	defaultMaxPage  = 1000
)

// Query is one executable statement with its ordered bound arguments.
type Query struct {
	SQL  string
	Args []interface{}
}

// Builder turns SearchRequests into ClickHouse SQL. All user values go
// through bound parameters; identifiers pass the allow-list or the
// table-name rules.
type Builder struct {
	opts Options
}

func NewBuilder(opts Options) *Builder {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = defaultMaxPage
	}
	return &Builder{opts: opts}
}

var allowedFields = func() map[string]struct{} {
	m := make(map[string]struct{}, len(models.EventColumns))
	for _, c := range models.EventColumns {
		m[c] = struct{}{}
	}
	return m
}()

// FieldAllowed reports whether a field may appear in filters or sorts.
func FieldAllowed(field string) bool {
	_, ok := allowedFields[field]
	return ok
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_.]{1,64}$`)

var bannedTableKeywords = []string{
	"DROP", "DELETE", "INSERT", "UPDATE", "CREATE", "ALTER", "TRUNCATE",
}

func validateTable(table string) error {
	if !tableNameRe.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	upper := strings.ToUpper(table)
	for _, kw := range bannedTableKeywords {
		if strings.Contains(upper, kw) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTableName, table, kw)
		}
	}
	return nil
}

// TenantTable maps a tenant id to its per-tenant events table.
func TenantTable(tenantID string) (string, error) {
	table := "events_" + strings.ReplaceAll(tenantID, "-", "_")
	if err := validateTable(table); err != nil {
		return "", err
	}
	return table, nil
}

// tableExpr resolves the FROM target. With a tenant, the per-tenant
// table; without one, a UNION ALL over all events_% tables (minus the
// legacy events_v2), which the caller discovers from system.tables.
func (b *Builder) tableExpr(req *models.SearchRequest, allTables []string, projection string) (string, error) {
	if req.TenantID != "" {
		return TenantTable(req.TenantID)
	}

	var parts []string
	for _, table := range allTables {
		if !strings.HasPrefix(table, "events_") || table == "events_v2" {
			continue
		}
		if err := validateTable(table); err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("SELECT %s FROM %s", projection, table))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no event tables available", ErrInvalidTableName)
	}
	return "(" + strings.Join(parts, " UNION ALL ") + ")", nil
}

// Build produces the SELECT for a search request.
func (b *Builder) Build(req *models.SearchRequest, allTables []string) (*Query, error) {
	projection, err := b.projection(req)
	if err != nil {
		return nil, err
	}

	table, err := b.tableExpr(req, allTables, strings.Join(models.EventColumns, ", "))
	if err != nil {
		return nil, err
	}

	where, args, err := b.whereClause(req)
	if err != nil {
		return nil, err
	}

	orderBy, err := b.orderBy(req)
	if err != nil {
		return nil, err
	}

	size, offset := b.pageWindow(req)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", projection, table)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(orderBy)
	fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", size, offset)

	return &Query{SQL: sb.String(), Args: args}, nil
}

// BuildCount produces the exact-total count query for include_total.
func (b *Builder) BuildCount(req *models.SearchRequest, allTables []string) (*Query, error) {
	table, err := b.tableExpr(req, allTables, strings.Join(models.EventColumns, ", "))
	if err != nil {
		return nil, err
	}
	where, args, err := b.whereClause(req)
	if err != nil {
		return nil, err
	}

	sql := "SELECT count() FROM " + table
	if where != "" {
		sql += " WHERE " + where
	}
	return &Query{SQL: sql, Args: args}, nil
}

// BuildAggregation produces the statement for one named aggregation.
func (b *Builder) BuildAggregation(req *models.SearchRequest, agg models.Aggregation, allTables []string) (*Query, error) {
	table, err := b.tableExpr(req, allTables, strings.Join(models.EventColumns, ", "))
	if err != nil {
		return nil, err
	}
	where, args, err := b.whereClause(req)
	if err != nil {
		return nil, err
	}
	whereSQL := ""
	if where != "" {
		whereSQL = " WHERE " + where
	}

	switch agg.Type {
	case models.AggCount:
		return &Query{SQL: "SELECT count() FROM " + table + whereSQL, Args: args}, nil

	case models.AggTerms:
		if !FieldAllowed(agg.Field) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, agg.Field)
		}
		size := agg.Size
		if size <= 0 {
			size = 10
		}
		sql := fmt.Sprintf(
			"SELECT %s, count() AS doc_count FROM %s%s GROUP BY %s ORDER BY doc_count DESC LIMIT %d",
			agg.Field, table, whereSQL, agg.Field, size,
		)
		return &Query{SQL: sql, Args: args}, nil

	case models.AggDateHistogram:
		interval, err := normalizeInterval(agg.Interval)
		if err != nil {
			return nil, err
		}
		sql := fmt.Sprintf(
			"SELECT toStartOfInterval(toDateTime(event_timestamp), INTERVAL %s) AS bucket, count() AS doc_count FROM %s%s GROUP BY bucket ORDER BY bucket",
			interval, table, whereSQL,
		)
		return &Query{SQL: sql, Args: args}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAggregation, agg.Type)
	}
}

var intervalRe = regexp.MustCompile(`^(\d+)\s+(?i)(second|minute|hour|day|week|month)s?$`)

// normalizeInterval validates a date_histogram interval and renders it
// as a ClickHouse INTERVAL clause body. Inlined, so it must never carry
// user text verbatim.
func normalizeInterval(interval string) (string, error) {
	m := intervalRe.FindStringSubmatch(strings.TrimSpace(interval))
	if m == nil {
		return "", fmt.Errorf("%w: bad date_histogram interval %q", ErrUnsupportedAggregation, interval)
	}
	return m[1] + " " + strings.ToUpper(m[2]), nil
}

func (b *Builder) projection(req *models.SearchRequest) (string, error) {
	if len(req.Fields) == 0 {
		return strings.Join(models.EventColumns, ", "), nil
	}
	for _, f := range req.Fields {
		if !FieldAllowed(f) {
			return "", fmt.Errorf("%w: %q", ErrInvalidField, f)
		}
	}
	return strings.Join(req.Fields, ", "), nil
}

func (b *Builder) orderBy(req *models.SearchRequest) (string, error) {
	if len(req.Sort) == 0 {
		return "event_timestamp DESC", nil
	}
	terms := make([]string, 0, len(req.Sort))
	for _, s := range req.Sort {
		if !FieldAllowed(s.Field) {
			return "", fmt.Errorf("%w: %q", ErrInvalidField, s.Field)
		}
		dir := "ASC"
		if s.Direction == models.SortDesc {
			dir = "DESC"
		}
		terms = append(terms, s.Field+" "+dir)
	}
	return strings.Join(terms, ", "), nil
}

func (b *Builder) pageWindow(req *models.SearchRequest) (size, offset int) {
	size = req.Pagination.Size
	if size <= 0 {
		size = defaultPageSize
	}
	if size > b.opts.MaxPageSize {
		size = b.opts.MaxPageSize
	}
	page := req.Pagination.Page
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

// whereClause renders the predicate set. Filter fields iterate in
// sorted order so the same request always renders the same SQL (the
// response cache fingerprints the rendered query).
func (b *Builder) whereClause(req *models.SearchRequest) (string, []interface{}, error) {
	var clauses []string
	var args []interface{}

	if req.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, req.TenantID)
	}
	if tr := req.TimeRange; tr != nil {
		clauses = append(clauses, "event_timestamp >= ? AND event_timestamp < ?")
		args = append(args, tr.Start, tr.End)
	}
	if q := strings.TrimSpace(req.Query); q != "" {
		if b.opts.FullText {
			clauses = append(clauses, "hasToken(message, ?)")
			args = append(args, q)
		} else {
			clauses = append(clauses, "message ILIKE ?")
			args = append(args, "%"+q+"%")
		}
	}

	fields := make([]string, 0, len(req.Filters))
	for field := range req.Filters {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		filter := req.Filters[field]
		clause, filterArgs, err := b.filterClause(field, filter)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, filterArgs...)
	}

	return strings.Join(clauses, " AND "), args, nil
}

func (b *Builder) filterClause(field string, filter models.Filter) (string, []interface{}, error) {
	if !FieldAllowed(field) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidField, field)
	}

	switch filter.Operator {
	case models.OpEquals:
		return field + " = ?", []interface{}{filter.Value}, nil
	case models.OpNotEquals:
		return field + " != ?", []interface{}{filter.Value}, nil
	case models.OpContains:
		return field + " ILIKE ?", []interface{}{"%" + filter.Value + "%"}, nil
	case models.OpNotContains:
		return field + " NOT ILIKE ?", []interface{}{"%" + filter.Value + "%"}, nil
	case models.OpStartsWith:
		return field + " ILIKE ?", []interface{}{filter.Value + "%"}, nil
	case models.OpEndsWith:
		return field + " ILIKE ?", []interface{}{"%" + filter.Value}, nil
	case models.OpRegex:
		if !b.opts.AllowRegex {
			return "", nil, ErrRegexDisabled
		}
		return "match(" + field + ", ?)", []interface{}{filter.Value}, nil
	case models.OpIn, models.OpNotIn:
		if len(filter.Values) == 0 {
			return "", nil, fmt.Errorf("%s filter on %q requires values", filter.Operator, field)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Values)), ", ")
		op := "IN"
		if filter.Operator == models.OpNotIn {
			op = "NOT IN"
		}
		args := make([]interface{}, len(filter.Values))
		for i, v := range filter.Values {
			args[i] = v
		}
		return fmt.Sprintf("%s %s (%s)", field, op, placeholders), args, nil
	case models.OpGt:
		return field + " > ?", []interface{}{filter.Value}, nil
	case models.OpGte:
		return field + " >= ?", []interface{}{filter.Value}, nil
	case models.OpLt:
		return field + " < ?", []interface{}{filter.Value}, nil
	case models.OpLte:
		return field + " <= ?", []interface{}{filter.Value}, nil
	case models.OpBetween:
		return field + " BETWEEN ? AND ?", []interface{}{filter.From, filter.To}, nil
	case models.OpExists:
		return field + " IS NOT NULL", nil, nil
	case models.OpNotExists:
		return field + " IS NULL", nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported filter operator %q on %q", filter.Operator, field)
	}
}

// EscapeLiteral doubles single quotes for the rare spots where a value
// must be inlined instead of bound.
func EscapeLiteral(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
