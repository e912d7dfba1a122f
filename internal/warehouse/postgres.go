package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridianbank/bankdw/internal/etl"
	"github.com/meridianbank/bankdw/internal/logging"
)

// Postgres implements Store over a PostgreSQL warehouse using declarative
// range partitioning and ON CONFLICT upserts.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store over an existing connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Init creates the warehouse schema and bookkeeping tables.
func (s *Postgres) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("failed to create warehouse schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// CreatePartition registers and creates the partition child table. The
// primary key on (table_name, range_start) makes concurrent creators of the
// same range converge: exactly one inserts, the rest observe the existing
// row.
func (s *Postgres) CreatePartition(ctx context.Context, p etl.Partition) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        INSERT INTO dw_partition (table_name, partition_name, range_start, range_end)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (table_name, range_start) DO NOTHING
    `, p.Table, p.Name, p.Start, p.End)
	if err != nil {
		return false, err
	}

	if tag.RowsAffected() == 0 {
		var existingName string
		var existingEnd time.Time
		var detached bool
		err := tx.QueryRow(ctx, `
            SELECT partition_name, range_end, detached FROM dw_partition
            WHERE table_name = $1 AND range_start = $2
        `, p.Table, p.Start).Scan(&existingName, &existingEnd, &detached)
		if err != nil {
			return false, err
		}
		if existingName != p.Name || !sameDay(existingEnd, p.End) {
			return false, fmt.Errorf("partition range conflict on %s: have %s, want %s",
				p.Table, existingName, p.Name)
		}
		if !detached {
			return false, nil
		}

		// The range was retired earlier. Re-attach the archived child so
		// the range can take loads again instead of wedging on a registry
		// row that points at a detached table.
		ddl := fmt.Sprintf(
			"ALTER TABLE %s ATTACH PARTITION %s FOR VALUES FROM ('%s') TO ('%s')",
			p.Table, p.Name,
			p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return false, err
		}
		if _, err := tx.Exec(ctx, `
            UPDATE dw_partition SET detached = false
            WHERE table_name = $1 AND partition_name = $2
        `, p.Table, p.Name); err != nil {
			return false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		logging.Info().
			Str("table", p.Table).
			Str("partition", p.Name).
			Msg("Reattached partition")
		return true, nil
	}

	// Name and bounds come from partition manager metadata, never user input.
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		p.Name, p.Table,
		p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	logging.Info().
		Str("table", p.Table).
		Str("partition", p.Name).
		Msg("Created partition")
	return true, nil
}

// Partitions lists the attached partitions of a table ordered by range start.
func (s *Postgres) Partitions(ctx context.Context, table string) ([]etl.Partition, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT partition_name, range_start, range_end FROM dw_partition
        WHERE table_name = $1 AND NOT detached
        ORDER BY range_start
    `, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []etl.Partition
	for rows.Next() {
		p := etl.Partition{Table: table}
		if err := rows.Scan(&p.Name, &p.Start, &p.End); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// DetachPartition detaches the child table, leaving it behind as an archive.
func (s *Postgres) DetachPartition(ctx context.Context, p etl.Partition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ddl := fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", p.Table, p.Name)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
        UPDATE dw_partition SET detached = true
        WHERE table_name = $1 AND partition_name = $2
    `, p.Table, p.Name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadWatermark returns the recorded watermark for (source, table).
func (s *Postgres) LoadWatermark(ctx context.Context, source, table string) (etl.Watermark, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
        SELECT watermark FROM dw_watermark WHERE source = $1 AND table_name = $2
    `, source, table).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return etl.Zero, nil
	}
	if err != nil {
		return etl.Zero, err
	}
	return etl.WatermarkAt(t), nil
}

// LoadWatermarks lists every recorded watermark.
func (s *Postgres) LoadWatermarks(ctx context.Context) ([]WatermarkEntry, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT source, table_name, watermark, updated_at FROM dw_watermark
        ORDER BY source, table_name
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []WatermarkEntry
	for rows.Next() {
		var e WatermarkEntry
		var t time.Time
		if err := rows.Scan(&e.Source, &e.Table, &t, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Watermark = etl.WatermarkAt(t)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Begin opens the failure-atomic transaction a batch is applied within.
func (s *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

// SaveRejects retains rejected records with their reasons.
func (s *Postgres) SaveRejects(ctx context.Context, table string, batch uuid.UUID, rejects []etl.Reject) error {
	for _, r := range rejects {
		payload, err := json.Marshal(r.Record.Fields)
		if err != nil {
			payload = nil
		}
		_, err = s.pool.Exec(ctx, `
            INSERT INTO dw_reject (table_name, batch_id, record_key, rule, reason, payload, rejected_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
        `, table, batch, r.Record.Key, r.Rule, r.Reason, payload, r.RejectedAt)
		if err != nil {
			return fmt.Errorf("failed to save reject: %w", err)
		}
	}
	return nil
}

// Rejects lists retained rejects for a table within a time window.
func (s *Postgres) Rejects(ctx context.Context, table string, from, to time.Time) ([]etl.Reject, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT record_key, rule, reason, payload, rejected_at FROM dw_reject
        WHERE table_name = $1 AND rejected_at >= $2 AND rejected_at < $3
        ORDER BY rejected_at
    `, table, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []etl.Reject
	for rows.Next() {
		var r etl.Reject
		var payload []byte
		if err := rows.Scan(&r.Record.Key, &r.Rule, &r.Reason, &payload, &r.RejectedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &r.Record.Fields)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DimensionExists reports whether a dimension row with the given key exists.
func (s *Postgres) DimensionExists(ctx context.Context, table, key string) (bool, error) {
	t, ok := TableFor(table)
	if !ok || t.Kind != Dimension {
		return false, fmt.Errorf("not a dimension table: %s", table)
	}
	var exists bool
	q := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", t.Name, t.Key)
	if err := s.pool.QueryRow(ctx, q, key).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RefreshWatermark returns the instant up to which the aggregate reflects
// fact rows.
func (s *Postgres) RefreshWatermark(ctx context.Context, aggregate string) (etl.Watermark, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `
        SELECT watermark FROM dw_refresh WHERE aggregate = $1
    `, aggregate).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return etl.Zero, nil
	}
	if err != nil {
		return etl.Zero, err
	}
	return etl.WatermarkAt(t), nil
}

// StaleGroups returns groups containing fact rows written after the instant.
func (s *Postgres) StaleGroups(ctx context.Context, spec AggregateSpec, since etl.Watermark) ([]GroupKey, error) {
	t, ok := TableFor(spec.Fact)
	if !ok {
		return nil, fmt.Errorf("unknown fact table: %s", spec.Fact)
	}
	q := fmt.Sprintf(
		"SELECT DISTINCT %s, date_trunc('month', %s)::date FROM %s WHERE last_updated > $1",
		strings.Join(spec.GroupBy, ", "), t.DateColumn, spec.Fact)

	rows, err := s.pool.Query(ctx, q, since.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []GroupKey
	for rows.Next() {
		g, err := scanGroupKey(rows, len(spec.GroupBy))
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ComputeGroups recomputes the listed groups from the fact table.
func (s *Postgres) ComputeGroups(ctx context.Context, spec AggregateSpec, groups []GroupKey) ([]AggregateRow, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	t, ok := TableFor(spec.Fact)
	if !ok {
		return nil, fmt.Errorf("unknown fact table: %s", spec.Fact)
	}

	var conds []string
	var args []any
	n := 1
	for _, g := range groups {
		var parts []string
		for i, col := range spec.GroupBy {
			parts = append(parts, fmt.Sprintf("%s = $%d", col, n))
			args = append(args, g.Keys[i])
			n++
		}
		parts = append(parts, fmt.Sprintf("date_trunc('month', %s)::date = $%d", t.DateColumn, n))
		args = append(args, g.Month)
		n++
		conds = append(conds, "("+strings.Join(parts, " AND ")+")")
	}

	q := aggregateSelect(spec, t) + " WHERE " + strings.Join(conds, " OR ") + aggregateGroupBy(spec)
	return s.queryAggregateRows(ctx, q, args, len(spec.GroupBy))
}

// ComputeAll recomputes every group from the fact table.
func (s *Postgres) ComputeAll(ctx context.Context, spec AggregateSpec) ([]AggregateRow, error) {
	t, ok := TableFor(spec.Fact)
	if !ok {
		return nil, fmt.Errorf("unknown fact table: %s", spec.Fact)
	}
	q := aggregateSelect(spec, t) + aggregateGroupBy(spec)
	return s.queryAggregateRows(ctx, q, nil, len(spec.GroupBy))
}

// ReplaceAggregate rebuilds the aggregate into a shadow table and swaps it
// in within one transaction, so the previous snapshot stays queryable until
// the swap commits and a failed rebuild leaves it untouched.
func (s *Postgres) ReplaceAggregate(ctx context.Context, spec AggregateSpec, rows []AggregateRow, at etl.Watermark) error {
	shadow := spec.Name + "_rebuild"
	cols := append(append([]string{}, spec.GroupBy...), "month", "txn_count", "total_amount")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", shadow)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", shadow, spec.Name)); err != nil {
		return err
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		shadow, strings.Join(cols, ", "), placeholders(len(cols)))
	for _, r := range rows {
		args := rowArgs(r)
		if _, err := tx.Exec(ctx, insert, args...); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE %s", spec.Name)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, spec.Name)); err != nil {
		return err
	}
	if err := setRefreshWatermark(ctx, tx, spec.Name, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MergeAggregate upserts the given rows into the aggregate.
func (s *Postgres) MergeAggregate(ctx context.Context, spec AggregateSpec, rows []AggregateRow, at etl.Watermark) error {
	cols := append(append([]string{}, spec.GroupBy...), "month", "txn_count", "total_amount")
	conflict := strings.Join(append(append([]string{}, spec.GroupBy...), "month"), ", ")

	upsert := fmt.Sprintf(`
        INSERT INTO %s (%s) VALUES (%s)
        ON CONFLICT (%s) DO UPDATE SET
            txn_count = EXCLUDED.txn_count,
            total_amount = EXCLUDED.total_amount
    `, spec.Name, strings.Join(cols, ", "), placeholders(len(cols)), conflict)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, r := range rows {
		if _, err := tx.Exec(ctx, upsert, rowArgs(r)...); err != nil {
			return err
		}
	}
	if err := setRefreshWatermark(ctx, tx, spec.Name, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AggregateRows returns the aggregate's current contents.
func (s *Postgres) AggregateRows(ctx context.Context, spec AggregateSpec) ([]AggregateRow, error) {
	cols := append(append([]string{}, spec.GroupBy...), "month", "txn_count", "total_amount")
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY month", strings.Join(cols, ", "), spec.Name)
	return s.queryAggregateRows(ctx, q, nil, len(spec.GroupBy))
}

func (s *Postgres) queryAggregateRows(ctx context.Context, q string, args []any, nkeys int) ([]AggregateRow, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		r, err := scanAggregateRow(rows, nkeys)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertFact(ctx context.Context, table Table, partition string, rec etl.Record) (UpsertOutcome, error) {
	// Declarative partitioning routes the insert through the parent table;
	// the partition argument only matters for engines without native routing.
	_ = partition

	conflict := table.Key
	if table.Partitioned {
		conflict = table.Key + ", " + table.DateColumn
	}
	q := upsertSQL(table, conflict, "")

	var inserted bool
	err := t.tx.QueryRow(ctx, q, columnArgs(table, rec)...).Scan(&inserted)
	if err != nil {
		return Skipped, err
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (t *pgTx) UpsertDimension(ctx context.Context, table Table, rec etl.Record) (UpsertOutcome, error) {
	// Last-writer-wins by source extraction time: a conflicting update
	// older than the stored row is skipped.
	guard := fmt.Sprintf(
		"WHERE %[1]s.source_updated IS NULL OR EXCLUDED.source_updated IS NULL OR EXCLUDED.source_updated >= %[1]s.source_updated",
		table.Name)
	q := upsertSQL(table, table.Key, guard)

	var inserted bool
	err := t.tx.QueryRow(ctx, q, columnArgs(table, rec)...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Skipped, nil
	}
	if err != nil {
		return Skipped, err
	}
	if inserted {
		return Inserted, nil
	}
	return Updated, nil
}

func (t *pgTx) SetLoadWatermark(ctx context.Context, source, table string, w etl.Watermark) error {
	// GREATEST keeps the recorded watermark monotonic even under replay.
	_, err := t.tx.Exec(ctx, `
        INSERT INTO dw_watermark (source, table_name, watermark) VALUES ($1, $2, $3)
        ON CONFLICT (source, table_name) DO UPDATE SET
            watermark = GREATEST(dw_watermark.watermark, EXCLUDED.watermark),
            updated_at = now()
    `, source, table, w.Time())
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

// upsertSQL builds the insert-or-update statement for a table from its
// metadata. The xmax test distinguishes a fresh insert from an update.
func upsertSQL(table Table, conflict, updateGuard string) string {
	var cols []string
	for _, c := range table.Columns {
		cols = append(cols, c.Name)
	}

	var sets []string
	for _, c := range table.MutableColumns() {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
	}
	sets = append(sets, "last_updated = now()")

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s %s RETURNING (xmax = 0)",
		table.Name, strings.Join(cols, ", "), placeholders(len(cols)),
		conflict, strings.Join(sets, ", "), updateGuard)
}

func columnArgs(table Table, rec etl.Record) []any {
	args := make([]any, 0, len(table.Columns))
	for _, c := range table.Columns {
		v, ok := rec.Fields[c.Name]
		if !ok {
			args = append(args, nil)
			continue
		}
		args = append(args, v)
	}
	return args
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func rowArgs(r AggregateRow) []any {
	args := make([]any, 0, len(r.Keys)+3)
	for _, k := range r.Keys {
		args = append(args, k)
	}
	return append(args, r.Month, r.Count, r.Total)
}

func aggregateSelect(spec AggregateSpec, t Table) string {
	return fmt.Sprintf(
		"SELECT %s, date_trunc('month', %s)::date AS month, COUNT(*), COALESCE(SUM(%s), 0) FROM %s",
		strings.Join(spec.GroupBy, ", "), t.DateColumn, spec.AmountColumn, spec.Fact)
}

func aggregateGroupBy(spec AggregateSpec) string {
	n := len(spec.GroupBy) + 1
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%d", i+1)
	}
	return " GROUP BY " + strings.Join(parts, ", ")
}

func scanGroupKey(rows pgx.Rows, nkeys int) (GroupKey, error) {
	keys := make([]string, nkeys)
	targets := make([]any, 0, nkeys+1)
	for i := range keys {
		targets = append(targets, &keys[i])
	}
	var month time.Time
	targets = append(targets, &month)
	if err := rows.Scan(targets...); err != nil {
		return GroupKey{}, err
	}
	return GroupKey{Keys: keys, Month: month.UTC()}, nil
}

func scanAggregateRow(rows pgx.Rows, nkeys int) (AggregateRow, error) {
	keys := make([]string, nkeys)
	targets := make([]any, 0, nkeys+3)
	for i := range keys {
		targets = append(targets, &keys[i])
	}
	var month time.Time
	var count int64
	var total decimal.Decimal
	targets = append(targets, &month, &count, &total)
	if err := rows.Scan(targets...); err != nil {
		return AggregateRow{}, err
	}
	return AggregateRow{Keys: keys, Month: month.UTC(), Count: count, Total: total}, nil
}

func setRefreshWatermark(ctx context.Context, tx pgx.Tx, aggregate string, at etl.Watermark) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO dw_refresh (aggregate, watermark, refreshed_at) VALUES ($1, $2, now())
        ON CONFLICT (aggregate) DO UPDATE SET
            watermark = EXCLUDED.watermark,
            refreshed_at = now()
    `, aggregate, at.Time())
	return err
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Truncate(24*time.Hour).Equal(b.UTC().Truncate(24 * time.Hour))
}
