package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"argus/pkg/database"
	"argus/pkg/models"
)

var ErrInvalidTable = errors.New("invalid destination table name")

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_.]{1,64}$`)

var bannedTableKeywords = []string{
	"DROP", "DELETE", "INSERT", "UPDATE", "CREATE", "ALTER", "TRUNCATE",
}

// ValidateTableName enforces the destination table naming rules: the
// charset/length pattern plus a ban on SQL keyword substrings.
func ValidateTableName(table string) error {
	if !tableNameRe.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	upper := strings.ToUpper(table)
	for _, kw := range bannedTableKeywords {
		if strings.Contains(upper, kw) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTable, table, kw)
		}
	}
	return nil
}

// ColumnarDestination writes events to a ClickHouse table using the
// native batch interface.
type ColumnarDestination struct {
	name  string
	table string
	conn  database.ClickHouseNativeConn
}

func NewColumnarDestination(name, table string, conn database.ClickHouseNativeConn) (*ColumnarDestination, error) {
	if err := ValidateTableName(table); err != nil {
		return nil, err
	}
	return &ColumnarDestination{name: name, table: table, conn: conn}, nil
}

func (d *ColumnarDestination) Name() string { return d.name }

func (d *ColumnarDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	return d.StoreBatch(ctx, []*models.Event{event})
}

// StoreBatch writes the whole slice in one insert. Returns the total
// serialized byte size for accounting.
func (d *ColumnarDestination) StoreBatch(ctx context.Context, events []*models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch, err := d.conn.PrepareBatch(ctx, d.insertSQL())
	if err != nil {
		return 0, fmt.Errorf("prepare batch for %s: %w", d.table, err)
	}

	bytes := 0
	for _, event := range events {
		if err := batch.Append(event.InsertValues()...); err != nil {
			return 0, fmt.Errorf("append event %s: %w", event.EventID, err)
		}
		if b, err := json.Marshal(event); err == nil {
			bytes += len(b)
		}
	}

	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch to %s: %w", d.table, err)
	}
	return bytes, nil
}

func (d *ColumnarDestination) insertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (%s)", d.table, strings.Join(models.EventColumns, ", "))
}

func (d *ColumnarDestination) Ping(ctx context.Context) error {
	return d.conn.Ping(ctx)
}

func (d *ColumnarDestination) Close() error {
	return d.conn.Close()
}
