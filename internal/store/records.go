package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iammorganparry/clive/apps/engram/internal/apperrors"
	"github.com/iammorganparry/clive/apps/engram/internal/models"
)

// recordColumns is the canonical column list for all SELECT queries.
// Order must match scanRecord.
const recordColumns = `id, record_type, content, details, tags, project,
	quality_score, importance, utility, access_count,
	created_at, updated_at, last_accessed_at,
	state, pinned, archived, resolved, version, index_status,
	content_hash, embedding`

// RecordStore handles Record CRUD operations on SQLite.
type RecordStore struct {
	db *DB
}

func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// DB exposes the underlying handle for callers that need a transaction.
func (s *RecordStore) DB() *DB { return s.db }

// Insert stores a new record. The caller must set ID, ContentHash and
// timestamps.
func (s *RecordStore) Insert(ctx context.Context, r *models.Record) error {
	detailsJSON, err := marshalDetails(r.Details)
	if err != nil {
		return err
	}
	tagsJSON, _ := json.Marshal(r.Tags)
	if r.Version == 0 {
		r.Version = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, record_type, content, details, tags, project,
			quality_score, importance, utility, access_count,
			created_at, updated_at, last_accessed_at,
			state, pinned, archived, resolved, version, index_status,
			content_hash, embedding
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, string(r.Type), r.Content, detailsJSON, string(tagsJSON), r.Project,
		r.QualityScore, r.Importance, r.Utility, r.AccessCount,
		r.CreatedAt, r.UpdatedAt, r.LastAccessedAt,
		string(r.State), r.Pinned, r.Archived, r.Resolved, r.Version, string(r.IndexStatus),
		r.ContentHash, r.Embedding,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// Get fetches a single record by ID. Returns nil, nil when the id is unknown.
func (s *RecordStore) Get(ctx context.Context, id string) (*models.Record, error) {
	return getRecord(ctx, s.db, id)
}

// GetTx is Get inside a transaction.
func (s *RecordStore) GetTx(ctx context.Context, tx *sql.Tx, id string) (*models.Record, error) {
	return getRecord(ctx, tx, id)
}

func getRecord(ctx context.Context, q querier, id string) (*models.Record, error) {
	r, err := scanRecord(q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM records WHERE id = ?`, recordColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// GetMany fetches records by id. Missing ids are skipped; order follows the
// input.
func (s *RecordStore) GetMany(ctx context.Context, ids []string) ([]*models.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph, args := placeholders(ids)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM records WHERE id IN (%s)`, recordColumns, ph), args...)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	found, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Record, len(found))
	for _, r := range found {
		byID[r.ID] = r
	}
	out := make([]*models.Record, 0, len(found))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Save writes every mutable field of r if the stored version equals expected.
// On success r.Version is advanced. A missing row yields NotFoundError and a
// version mismatch yields ConflictError.
func (s *RecordStore) Save(ctx context.Context, r *models.Record, expected int64) error {
	return saveRecord(ctx, s.db, r, expected)
}

// SaveTx is Save inside a transaction.
func (s *RecordStore) SaveTx(ctx context.Context, tx *sql.Tx, r *models.Record, expected int64) error {
	return saveRecord(ctx, tx, r, expected)
}

func saveRecord(ctx context.Context, q querier, r *models.Record, expected int64) error {
	detailsJSON, err := marshalDetails(r.Details)
	if err != nil {
		return err
	}
	tagsJSON, _ := json.Marshal(r.Tags)
	now := time.Now().Unix()

	res, err := q.ExecContext(ctx, `
		UPDATE records SET
			record_type = ?, content = ?, details = ?, tags = ?, project = ?,
			quality_score = ?, importance = ?, utility = ?,
			state = ?, pinned = ?, archived = ?, resolved = ?, index_status = ?,
			content_hash = ?, embedding = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(r.Type), r.Content, detailsJSON, string(tagsJSON), r.Project,
		r.QualityScore, r.Importance, r.Utility,
		string(r.State), r.Pinned, r.Archived, r.Resolved, string(r.IndexStatus),
		r.ContentHash, r.Embedding,
		now, r.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var actual int64
		err := q.QueryRowContext(ctx, `SELECT version FROM records WHERE id = ?`, r.ID).Scan(&actual)
		if err == sql.ErrNoRows {
			return &apperrors.NotFoundError{ID: r.ID}
		}
		if err != nil {
			return fmt.Errorf("read record version: %w", err)
		}
		return &apperrors.ConflictError{ID: r.ID, Expected: expected, Actual: actual}
	}
	r.Version = expected + 1
	r.UpdatedAt = now
	return nil
}

// Delete removes a record row. Used only to roll back a failed admission.
func (s *RecordStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &apperrors.NotFoundError{ID: id}
	}
	return nil
}

// SetIndexStatus updates the index bookkeeping without touching the version.
func (s *RecordStore) SetIndexStatus(ctx context.Context, id string, status models.IndexStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET index_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set index status: %w", err)
	}
	return nil
}

// SetEmbedding stores the vector used for reindexing and neighbour lookups.
func (s *RecordStore) SetEmbedding(ctx context.Context, id string, embedding []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET embedding = ? WHERE id = ?`, embedding, id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

// Touch bumps access counters for records returned by a search.
func (s *RecordStore) Touch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().Unix()
	ph, args := placeholders(ids)
	args = append([]any{now}, args...)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE records SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (%s)
	`, ph), args...)
	if err != nil {
		return fmt.Errorf("touch records: %w", err)
	}
	return nil
}

// SetImportance stores a recomputed importance. Derived scores do not bump
// the version; only caller-visible content and state changes do.
func (s *RecordStore) SetImportance(ctx context.Context, id string, importance float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET importance = ?, importance_updated_at = ? WHERE id = ?
	`, importance, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set importance: %w", err)
	}
	return nil
}

// SetUtility stores a recomputed utility score.
func (s *RecordStore) SetUtility(ctx context.Context, id string, utility float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET utility = ?, utility_updated_at = ? WHERE id = ?
	`, utility, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set utility: %w", err)
	}
	return nil
}

// ImportanceBatch returns live records whose importance is stalest.
func (s *RecordStore) ImportanceBatch(ctx context.Context, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE state != 'purged'
		ORDER BY importance_updated_at ASC, id ASC
		LIMIT ?
	`, limit)
}

// ScanPass names the per-record column a batched pass stamps after looking
// at a record. Scans order by it first so a batch that leaves its rows
// untouched does not come back to the same rows next run.
type ScanPass string

const (
	ScanArchive     ScanPass = "archive_checked_at"
	ScanConsolidate ScanPass = "consolidate_checked_at"
	ScanFixes       ScanPass = "fix_checked_at"
)

// MarkScanned stamps ids as seen by pass. The version is not bumped.
func (s *RecordStore) MarkScanned(ctx context.Context, pass ScanPass, ids []string) error {
	switch pass {
	case ScanArchive, ScanConsolidate, ScanFixes:
	default:
		return fmt.Errorf("unknown scan pass %q", pass)
	}
	if len(ids) == 0 {
		return nil
	}
	ph, args := placeholders(ids)
	args = append([]any{time.Now().UnixNano()}, args...)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE records SET %s = ? WHERE id IN (%s)
	`, pass, ph), args...)
	if err != nil {
		return fmt.Errorf("mark %s: %w", pass, err)
	}
	return nil
}

// ArchiveScan returns unarchived records outside the protected classes,
// least recently scanned and then least recently touched first. Protection
// is re-checked by the caller.
func (s *RecordStore) ArchiveScan(ctx context.Context, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE archived = 0 AND state != 'purged' AND pinned = 0
		  AND record_type NOT IN ('decision', 'pattern')
		  AND NOT (record_type = 'error' AND resolved = 1)
		ORDER BY archive_checked_at ASC, last_accessed_at ASC, id ASC
		LIMIT ?
	`, limit)
}

// ConsolidationScan returns live, unpinned records with embeddings created
// before cutoff, least recently scanned and then oldest first.
func (s *RecordStore) ConsolidationScan(ctx context.Context, cutoff int64, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE created_at < ? AND archived = 0 AND state != 'purged' AND pinned = 0
		  AND embedding IS NOT NULL
		ORDER BY consolidate_checked_at ASC, created_at ASC, id ASC
		LIMIT ?
	`, cutoff, limit)
}

// UnresolvedErrors returns live unresolved error records, least recently
// scanned and then oldest first.
func (s *RecordStore) UnresolvedErrors(ctx context.Context, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE record_type = 'error' AND resolved = 0 AND archived = 0 AND state != 'purged'
		ORDER BY fix_checked_at ASC, created_at ASC, id ASC
		LIMIT ?
	`, limit)
}

// CreatedSince returns live records created at or after since, oldest first.
func (s *RecordStore) CreatedSince(ctx context.Context, since int64, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE created_at >= ? AND archived = 0 AND state != 'purged'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, since, limit)
}

// ProjectTimeline returns live records with a project created since since,
// grouped by project and ordered by creation time.
func (s *RecordStore) ProjectTimeline(ctx context.Context, since int64, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE project != '' AND created_at >= ? AND archived = 0 AND state != 'purged'
		ORDER BY project ASC, created_at ASC, id ASC
		LIMIT ?
	`, since, limit)
}

// ContentMatching returns live records created since since whose content
// contains any of the given phrases (case-insensitive).
func (s *RecordStore) ContentMatching(ctx context.Context, phrases []string, since int64, limit int) ([]*models.Record, error) {
	if len(phrases) == 0 {
		return nil, nil
	}
	conds := make([]string, len(phrases))
	args := []any{since}
	for i, p := range phrases {
		conds[i] = "LOWER(content) LIKE ?"
		args = append(args, "%"+strings.ToLower(p)+"%")
	}
	args = append(args, limit)
	return s.query(ctx, fmt.Sprintf(`
		WHERE created_at >= ? AND archived = 0 AND state != 'purged' AND (%s)
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, strings.Join(conds, " OR ")), args...)
}

// ArchivedBefore returns archived, non-purged records last updated before
// cutoff.
func (s *RecordStore) ArchivedBefore(ctx context.Context, cutoff int64, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE archived = 1 AND state = 'archived' AND pinned = 0 AND updated_at < ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, cutoff, limit)
}

// WithEmbeddings pages through live records that carry an embedding, in id
// order starting after afterID.
func (s *RecordStore) WithEmbeddings(ctx context.Context, afterID string, limit int) ([]*models.Record, error) {
	return s.query(ctx, `
		WHERE id > ? AND archived = 0 AND state != 'purged' AND embedding IS NOT NULL
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
}

// ByIndexStatus returns records in the given index state.
func (s *RecordStore) ByIndexStatus(ctx context.Context, status models.IndexStatus, limit int) ([]*models.Record, error) {
	return s.query(ctx, `WHERE index_status = ? ORDER BY updated_at ASC LIMIT ?`, string(status), limit)
}

func (s *RecordStore) query(ctx context.Context, tail string, args ...any) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM records %s`, recordColumns, tail), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return scanRecords(rows)
}

// List returns a paginated, filtered, sorted list of records.
func (s *RecordStore) List(ctx context.Context, req *models.ListRequest) ([]*models.Record, int, error) {
	// Whitelist sort columns to prevent injection
	allowedSorts := map[string]string{
		"created_at":       "created_at",
		"updated_at":       "updated_at",
		"last_accessed_at": "last_accessed_at",
		"importance":       "importance",
		"utility":          "utility",
		"quality_score":    "quality_score",
		"access_count":     "access_count",
	}
	sortCol, ok := allowedSorts[req.Sort]
	if !ok {
		sortCol = "created_at"
	}

	order := "DESC"
	if req.Order == "asc" {
		order = "ASC"
	}

	conditions, args := FilterSQL("", req.Filters)
	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM records %s", whereClause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count records: %w", err)
	}

	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	queryArgs := append(args, limit, offset)
	records, err := s.query(ctx, fmt.Sprintf(`
		%s
		ORDER BY %s %s, id ASC
		LIMIT ? OFFSET ?
	`, whereClause, sortCol, order), queryArgs...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Counts aggregates record statistics for /stats.
type Counts struct {
	Total            int
	ByType           map[string]int
	ByState          map[string]int
	Pinned           int
	UnresolvedErrors int
	PendingRepair    int
}

// Counts returns aggregate counts over non-purged records.
func (s *RecordStore) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{ByType: map[string]int{}, ByState: map[string]int{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(pinned), 0),
		       COALESCE(SUM(CASE WHEN record_type = 'error' AND resolved = 0 AND archived = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN index_status = 'repair' THEN 1 ELSE 0 END), 0)
		FROM records WHERE state != 'purged'
	`).Scan(&c.Total, &c.Pinned, &c.UnresolvedErrors, &c.PendingRepair)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	if err := s.groupCount(ctx, "record_type", c.ByType); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "state", c.ByState); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *RecordStore) groupCount(ctx context.Context, col string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM records WHERE state != 'purged' GROUP BY %s`, col, col))
	if err != nil {
		return fmt.Errorf("group by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", col, err)
		}
		into[k] = n
	}
	return rows.Err()
}

// FilterSQL renders f as SQL conditions over the records table. alias is the
// table alias prefix ("" or "r."). Purged rows are always excluded.
func FilterSQL(alias string, f models.Filters) ([]string, []any) {
	conds := []string{alias + "state != 'purged'"}
	var args []any

	if !f.IncludeArchived {
		conds = append(conds, alias+"archived = 0")
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, fmt.Sprintf("%srecord_type IN (%s)", alias, strings.Join(ph, ",")))
	}
	if f.Project != "" {
		conds = append(conds, alias+"project = ?")
		args = append(args, f.Project)
	}
	for _, tag := range f.Tags {
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%stags) WHERE json_each.value = ?)", alias))
		args = append(args, tag)
	}
	if f.CreatedAfter > 0 {
		conds = append(conds, alias+"created_at > ?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore > 0 {
		conds = append(conds, alias+"created_at < ?")
		args = append(args, f.CreatedBefore)
	}
	return conds, args
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	var r models.Record
	var detailsJSON, tagsJSON sql.NullString
	var state, indexStatus string

	err := row.Scan(
		&r.ID, &r.Type, &r.Content, &detailsJSON, &tagsJSON, &r.Project,
		&r.QualityScore, &r.Importance, &r.Utility, &r.AccessCount,
		&r.CreatedAt, &r.UpdatedAt, &r.LastAccessedAt,
		&state, &r.Pinned, &r.Archived, &r.Resolved, &r.Version, &indexStatus,
		&r.ContentHash, &r.Embedding,
	)
	if err != nil {
		return nil, err
	}
	if err := populateRecord(&r, detailsJSON, tagsJSON, state, indexStatus); err != nil {
		return nil, err
	}
	return &r, nil
}

// scanRecords drains and closes rows.
func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	defer rows.Close()
	var result []*models.Record
	for rows.Next() {
		var r models.Record
		var detailsJSON, tagsJSON sql.NullString
		var state, indexStatus string

		if err := rows.Scan(
			&r.ID, &r.Type, &r.Content, &detailsJSON, &tagsJSON, &r.Project,
			&r.QualityScore, &r.Importance, &r.Utility, &r.AccessCount,
			&r.CreatedAt, &r.UpdatedAt, &r.LastAccessedAt,
			&state, &r.Pinned, &r.Archived, &r.Resolved, &r.Version, &indexStatus,
			&r.ContentHash, &r.Embedding,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := populateRecord(&r, detailsJSON, tagsJSON, state, indexStatus); err != nil {
			return nil, err
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// populateRecord fills in decoded fields from nullable SQL columns.
func populateRecord(r *models.Record, detailsJSON, tagsJSON sql.NullString, state, indexStatus string) error {
	r.State = models.LifecycleState(state)
	r.IndexStatus = models.IndexStatus(indexStatus)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &r.Tags)
	}
	var raw json.RawMessage
	if detailsJSON.Valid {
		raw = json.RawMessage(detailsJSON.String)
	}
	d, err := models.DecodeDetails(r.Type, raw)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Details = d
	return nil
}

func marshalDetails(d models.Details) (*string, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	s := string(b)
	return &s, nil
}

func placeholders(ids []string) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return strings.Join(ph, ","), args
}
