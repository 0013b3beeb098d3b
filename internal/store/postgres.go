package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coursecore/api/internal/util"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	*pgQueries
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgQueries: &pgQueries{conn: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &pgQueries{conn: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgQueries struct {
	conn dbtx
}

const courseColumns = `id, owner_id, title, is_public, content, architecture, section_ids, forked_from, forked_at, created_at, updated_at`

func scanCourse(row interface{ Scan(...any) error }) (Course, error) {
	var (
		course     Course
		content    sql.NullString
		sectionIDs []byte
		forkedFrom sql.NullString
		forkedAt   sql.NullTime
	)
	err := row.Scan(
		&course.ID, &course.OwnerID, &course.Title, &course.Public, &content,
		&course.Architecture, &sectionIDs, &forkedFrom, &forkedAt,
		&course.CreatedAt, &course.UpdatedAt,
	)
	if err != nil {
		return Course{}, err
	}
	if content.Valid {
		course.Content = &content.String
	}
	if forkedFrom.Valid {
		course.ForkedFrom = &forkedFrom.String
	}
	if forkedAt.Valid {
		course.ForkedAt = &forkedAt.Time
	}
	if len(sectionIDs) > 0 {
		if err := json.Unmarshal(sectionIDs, &course.SectionIDs); err != nil {
			return Course{}, fmt.Errorf("decode section ids: %w", err)
		}
	}
	return course, nil
}

func (q *pgQueries) getCourse(ctx context.Context, id, suffix string) (Course, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id=$1`+suffix, id)
	course, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, fmt.Errorf("course %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Course{}, fmt.Errorf("get course: %w", err)
	}
	return course, nil
}

func (q *pgQueries) GetCourse(ctx context.Context, id string) (Course, error) {
	return q.getCourse(ctx, id, "")
}

func (q *pgQueries) LockCourse(ctx context.Context, id string) (Course, error) {
	return q.getCourse(ctx, id, " FOR UPDATE")
}

func (q *pgQueries) InsertCourse(ctx context.Context, course Course) error {
	sectionIDs, err := encodeIDs(course.SectionIDs)
	if err != nil {
		return err
	}
	_, err = q.conn.ExecContext(ctx, `
		INSERT INTO courses (id, owner_id, title, is_public, content, architecture, section_ids, forked_from, forked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)
	`, course.ID, course.OwnerID, course.Title, course.Public, course.Content, course.Architecture,
		sectionIDs, course.ForkedFrom, course.ForkedAt, course.CreatedAt, course.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert course: %w", translatePgError(err))
	}
	return nil
}

func (q *pgQueries) UpdateCourse(ctx context.Context, course Course) error {
	sectionIDs, err := encodeIDs(course.SectionIDs)
	if err != nil {
		return err
	}
	result, err := q.conn.ExecContext(ctx, `
		UPDATE courses
		SET title=$2, is_public=$3, content=$4, architecture=$5, section_ids=$6::jsonb, updated_at=$7
		WHERE id=$1
	`, course.ID, course.Title, course.Public, course.Content, course.Architecture, sectionIDs, course.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return expectRow(result, "course", course.ID)
}

func (q *pgQueries) DeleteCourse(ctx context.Context, id string) error {
	result, err := q.conn.ExecContext(ctx, `DELETE FROM courses WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return expectRow(result, "course", id)
}

const sectionColumns = `id, course_id, parent_id, sort_order, level, title, content, has_content, word_count, read_time, created_at, updated_at`

func scanSection(row interface{ Scan(...any) error }) (Section, error) {
	var (
		section  Section
		parentID sql.NullString
		content  []byte
	)
	err := row.Scan(
		&section.ID, &section.CourseID, &parentID, &section.Order, &section.Level, &section.Title,
		&content, &section.HasContent, &section.WordCount, &section.ReadTime,
		&section.CreatedAt, &section.UpdatedAt,
	)
	if err != nil {
		return Section{}, err
	}
	if parentID.Valid {
		section.ParentID = &parentID.String
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &section.Content); err != nil {
			return Section{}, fmt.Errorf("decode section content: %w", err)
		}
	}
	return section, nil
}

func (q *pgQueries) getSection(ctx context.Context, id, suffix string) (Section, error) {
	row := q.conn.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections WHERE id=$1`+suffix, id)
	section, err := scanSection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Section{}, fmt.Errorf("section %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Section{}, fmt.Errorf("get section: %w", err)
	}
	return section, nil
}

func (q *pgQueries) GetSection(ctx context.Context, id string) (Section, error) {
	return q.getSection(ctx, id, "")
}

func (q *pgQueries) LockSection(ctx context.Context, id string) (Section, error) {
	return q.getSection(ctx, id, " FOR UPDATE")
}

func (q *pgQueries) ListSections(ctx context.Context, filter SectionFilter) ([]Section, error) {
	where, args := filter.where()
	rows, err := q.conn.QueryContext(ctx, `
		SELECT `+sectionColumns+`
		FROM sections
		WHERE `+where+`
		ORDER BY parent_id NULLS FIRST, sort_order, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		section, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, section)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (q *pgQueries) InsertSection(ctx context.Context, section Section) error {
	content, err := json.Marshal(section.Content)
	if err != nil {
		return fmt.Errorf("encode section content: %w", err)
	}
	_, err = q.conn.ExecContext(ctx, `
		INSERT INTO sections (id, course_id, parent_id, sort_order, level, title, content, has_content, word_count, read_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12)
	`, section.ID, section.CourseID, section.ParentID, section.Order, section.Level, section.Title, string(content),
		section.HasContent, section.WordCount, section.ReadTime, section.CreatedAt, section.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert section: %w", translatePgError(err))
	}
	return nil
}

func (q *pgQueries) UpdateSection(ctx context.Context, section Section) error {
	content, err := json.Marshal(section.Content)
	if err != nil {
		return fmt.Errorf("encode section content: %w", err)
	}
	result, err := q.conn.ExecContext(ctx, `
		UPDATE sections
		SET parent_id=$2, sort_order=$3, level=$4, title=$5, content=$6::jsonb,
			has_content=$7, word_count=$8, read_time=$9, updated_at=$10
		WHERE id=$1
	`, section.ID, section.ParentID, section.Order, section.Level, section.Title, string(content),
		section.HasContent, section.WordCount, section.ReadTime, section.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update section: %w", err)
	}
	return expectRow(result, "section", section.ID)
}

func (q *pgQueries) UpdatePlacements(ctx context.Context, placements []Placement) error {
	now := time.Now().UTC()
	for _, p := range placements {
		result, err := q.conn.ExecContext(ctx, `
			UPDATE sections SET parent_id=$2, sort_order=$3, level=$4, updated_at=$5 WHERE id=$1
		`, p.ID, p.ParentID, p.Order, p.Level, now)
		if err != nil {
			return fmt.Errorf("update placement %s: %w", p.ID, err)
		}
		if err := expectRow(result, "section", p.ID); err != nil {
			return err
		}
	}
	return nil
}

func (q *pgQueries) DeleteSections(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.conn.ExecContext(ctx, `DELETE FROM sections WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete sections: %w", err)
	}
	return nil
}

func (q *pgQueries) InsertVersion(ctx context.Context, version Version) (Version, error) {
	content, err := json.Marshal(version.Content)
	if err != nil {
		return Version{}, fmt.Errorf("encode version content: %w", err)
	}
	if version.ID == "" {
		version.ID = util.NewID("ver")
	}
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}
	// seq comes from a per-section counter so it never restarts after the
	// older versions have been pruned.
	err = q.conn.QueryRowContext(ctx, `
		WITH next AS (
			UPDATE sections SET version_seq = version_seq + 1
			WHERE id = $2
			RETURNING version_seq
		)
		INSERT INTO section_versions (id, section_id, seq, content, user_id, change_description, created_at)
		SELECT $1, $2, next.version_seq, $3::jsonb, $4, $5, $6
		FROM next
		RETURNING seq
	`, version.ID, version.SectionID, string(content), version.UserID, version.ChangeDescription, version.CreatedAt).Scan(&version.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, fmt.Errorf("insert version: section %s: %w", version.SectionID, ErrNotFound)
	}
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", translatePgError(err))
	}
	return version, nil
}

func (q *pgQueries) ListVersions(ctx context.Context, sectionID string) ([]Version, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id, section_id, seq, content, user_id, change_description, created_at
		FROM section_versions
		WHERE section_id=$1
		ORDER BY seq ASC
	`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var (
			version Version
			content []byte
		)
		if err := rows.Scan(&version.ID, &version.SectionID, &version.Seq, &content, &version.UserID, &version.ChangeDescription, &version.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if err := json.Unmarshal(content, &version.Content); err != nil {
			return nil, fmt.Errorf("decode version content: %w", err)
		}
		items = append(items, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (q *pgQueries) DeleteVersionsBefore(ctx context.Context, sectionID string, beforeSeq int64) (int, error) {
	result, err := q.conn.ExecContext(ctx, `DELETE FROM section_versions WHERE section_id=$1 AND seq < $2`, sectionID, beforeSeq)
	if err != nil {
		return 0, fmt.Errorf("delete versions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete versions rows affected: %w", err)
	}
	return int(affected), nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode section ids: %w", err)
	}
	return string(payload), nil
}

func expectRow(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", kind, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
