// Package sqldoc stores conversation documents in a SQL database. It holds
// the engine logic shared by the sqlite and postgres backends; each backend
// supplies its connection, dialect and schema files.
package sqldoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/chathistory/internal/format"
	"github.com/scrypster/chathistory/internal/storage"
	"github.com/scrypster/chathistory/pkg/types"
)

// Dialect captures what differs between SQL databases.
type Dialect struct {
	// Name is the backend name used in errors and stats.
	Name string

	// Bind rewrites "?" placeholders for the driver. Nil keeps them.
	Bind func(query string) string

	// Migrations holds NNN_name.up.sql / .down.sql files at its root.
	Migrations fs.FS
}

// QuestionMarks keeps "?" placeholders unchanged.
func QuestionMarks(q string) string { return q }

// DollarNumbers rewrites "?" placeholders to $1, $2, ...
func DollarNumbers(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// Store implements storage.Engine minus the lifecycle methods, which the
// backends own.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	converter *format.Converter
	logger    *slog.Logger
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if dialect.Bind == nil {
		dialect.Bind = QuestionMarks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: dialect, converter: format.NewConverter(), logger: logger}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the dialect's pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	m, err := storage.NewSchemaMigrator(ctx, s.db, s.dialect.Migrations, s.dialect.Bind)
	if err != nil {
		return fmt.Errorf("%s: %w", s.dialect.Name, err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *Store) q(query string) string { return s.dialect.Bind(query) }

func (s *Store) errf(msg string, args ...any) error {
	return fmt.Errorf(s.dialect.Name+": "+msg, args...)
}

// row is the column set written for one document.
type row struct {
	document     string
	searchText   string
	tags         string
	messageCount int
	sizeBytes    int64
	fileNumber   sql.NullInt64
	createdAt    int64
	updatedAt    int64
}

func encodeRow(conv *types.Conversation, key storage.Key) (row, error) {
	data, err := format.Encode(conv)
	if err != nil {
		return row{}, err
	}
	tags := conv.Tags
	if tags == nil {
		tags = []string{}
	}
	tagJSON, err := json.Marshal(tags)
	if err != nil {
		return row{}, err
	}

	r := row{
		document:     string(data),
		searchText:   searchText(conv),
		tags:         string(tagJSON),
		messageCount: len(conv.Messages),
		sizeBytes:    int64(len(data)),
		createdAt:    conv.CreatedAt.UnixMicro(),
		updatedAt:    conv.UpdatedAt.UnixMicro(),
	}
	if n, ok := storage.FilenameNumber(key.Filename); ok {
		r.fileNumber = sql.NullInt64{Int64: int64(n), Valid: true}
	}
	return r, nil
}

// searchText is the lower-cased plain text that Search pre-filters on.
func searchText(conv *types.Conversation) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(conv.Title))
	for i := range conv.Messages {
		b.WriteByte('\n')
		b.WriteString(strings.ToLower(conv.Messages[i].Content.String()))
	}
	return b.String()
}

const upsertConversation = `
	INSERT INTO conversations (
		project, area, filename, file_number, uuid, title, document, search_text,
		tags, message_count, size_bytes, archived, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (project, area, filename) DO UPDATE SET
		file_number = excluded.file_number,
		uuid = excluded.uuid,
		title = excluded.title,
		document = excluded.document,
		search_text = excluded.search_text,
		tags = excluded.tags,
		message_count = excluded.message_count,
		size_bytes = excluded.size_bytes,
		archived = excluded.archived,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) write(ctx context.Context, ex execer, conv *types.Conversation, key storage.Key) error {
	storage.PrepareForSave(conv, key)
	r, err := encodeRow(conv, key)
	if err != nil {
		return s.errf("encode %s: %w", key, err)
	}

	archived := 0
	if conv.Archived {
		archived = 1
	}
	_, err = ex.ExecContext(ctx, s.q(upsertConversation),
		key.Project, string(key.Area), key.Filename, r.fileNumber, conv.ID, conv.Title,
		r.document, r.searchText, r.tags, r.messageCount, r.sizeBytes, archived,
		r.createdAt, r.updatedAt,
	)
	if err != nil {
		return s.errf("%w: save %s: %v", storage.ErrIO, key, err)
	}
	return nil
}

// Save upserts conv under key.
func (s *Store) Save(ctx context.Context, conv *types.Conversation, key storage.Key) error {
	if conv == nil {
		return s.errf("%w: conversation is nil", storage.ErrInvalidInput)
	}
	if err := key.Validate(); err != nil {
		return s.errf("save: %w", err)
	}
	return s.write(ctx, s.db, conv, key)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) read(ctx context.Context, qr queryer, key storage.Key) (*types.Conversation, error) {
	var doc string
	err := qr.QueryRowContext(ctx,
		s.q("SELECT document FROM conversations WHERE project = ? AND area = ? AND filename = ?"),
		key.Project, string(key.Area), key.Filename,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.errf("%s: %w", key, storage.ErrNotFound)
		}
		return nil, s.errf("load %s: %w", key, err)
	}

	conv, _, err := s.converter.Decode([]byte(doc), format.Options{Filename: key.Filename, Seed: key.String()})
	if err != nil {
		return nil, s.errf("%s: %w: %v", key, storage.ErrDecode, err)
	}
	conv.Archived = conv.Archived || key.Area == storage.AreaArchive
	return conv, nil
}

// Load reads the document under key.
func (s *Store) Load(ctx context.Context, key storage.Key) (*types.Conversation, error) {
	if err := key.Validate(); err != nil {
		return nil, s.errf("load: %w", err)
	}
	return s.read(ctx, s.db, key)
}

func (s *Store) summaries(ctx context.Context, where string, args ...any) ([]storage.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT project, area, filename, uuid, title, tags, message_count, size_bytes,
		       archived, created_at, updated_at
		FROM conversations `+where), args...)
	if err != nil {
		return nil, s.errf("list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.ConversationSummary
	for rows.Next() {
		var (
			sum              storage.ConversationSummary
			area, tags       string
			archived         int
			created, updated int64
		)
		if err := rows.Scan(&sum.Key.Project, &area, &sum.Key.Filename, &sum.ID, &sum.Title, &tags,
			&sum.MessageCount, &sum.SizeBytes, &archived, &created, &updated); err != nil {
			return nil, s.errf("scan summary: %w", err)
		}
		sum.Key.Area = storage.Area(area)
		sum.Archived = archived != 0
		sum.CreatedAt = time.UnixMicro(created).UTC()
		sum.UpdatedAt = time.UnixMicro(updated).UTC()
		if tags != "" && tags != "[]" {
			if err := json.Unmarshal([]byte(tags), &sum.Tags); err != nil {
				s.logger.Warn(s.dialect.Name+": ignoring malformed tags", "key", sum.Key.String(), "error", err)
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf("list rows: %w", err)
	}
	return out, nil
}

// List returns summaries of ns without decoding documents.
func (s *Store) List(ctx context.Context, ns storage.Namespace, opts storage.ListOptions) ([]storage.ConversationSummary, error) {
	if err := ns.Validate(); err != nil {
		return nil, s.errf("list: %w", err)
	}
	sums, err := s.summaries(ctx, "WHERE project = ? AND area = ?", ns.Project, string(ns.Area))
	if err != nil {
		return nil, err
	}
	return storage.ApplyListOptions(sums, opts), nil
}

// Delete removes the document under key.
func (s *Store) Delete(ctx context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return s.errf("delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM conversations WHERE project = ? AND area = ? AND filename = ?"),
		key.Project, string(key.Area), key.Filename)
	if err != nil {
		return s.errf("%w: delete %s: %v", storage.ErrIO, key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return s.errf("%s: %w", key, storage.ErrNotFound)
	}
	return nil
}

// Archive moves src to dst inside one transaction.
func (s *Store) Archive(ctx context.Context, src, dst storage.Key) error {
	if err := src.Validate(); err != nil {
		return s.errf("archive: %w", err)
	}
	if err := dst.Validate(); err != nil {
		return s.errf("archive: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.errf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := s.read(ctx, tx, src)
	if err != nil {
		return err
	}
	if err := s.write(ctx, tx, conv, dst); err != nil {
		return err
	}
	if src != dst {
		if _, err := tx.ExecContext(ctx,
			s.q("DELETE FROM conversations WHERE project = ? AND area = ? AND filename = ?"),
			src.Project, string(src.Area), src.Filename); err != nil {
			return s.errf("%w: archive delete %s: %v", storage.ErrIO, src, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.errf("%w: commit archive: %v", storage.ErrIO, err)
	}
	return nil
}

// Search pre-filters with LIKE on the lower-cased search text, then scores
// the candidates.
func (s *Store) Search(ctx context.Context, ns storage.Namespace, q storage.SearchQuery) ([]storage.SearchResult, error) {
	if err := ns.Validate(); err != nil {
		return nil, s.errf("search: %w", err)
	}
	q.Normalize()
	if q.Text == "" {
		return nil, s.errf("search: %w: empty query", storage.ErrInvalidInput)
	}

	pattern := "%" + escapeLike(strings.ToLower(q.Text)) + "%"
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT filename, document, size_bytes
		FROM conversations
		WHERE project = ? AND area = ? AND search_text LIKE ? ESCAPE '\'`),
		ns.Project, string(ns.Area), pattern)
	if err != nil {
		return nil, s.errf("search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []storage.SearchResult
	for rows.Next() {
		var (
			filename, doc string
			size          int64
		)
		if err := rows.Scan(&filename, &doc, &size); err != nil {
			return nil, s.errf("scan search row: %w", err)
		}
		conv, _, err := s.converter.Decode([]byte(doc), format.Options{Filename: filename, Seed: ns.Key(filename).String()})
		if err != nil {
			s.logger.Warn(s.dialect.Name+": skipping undecodable document", "key", ns.Key(filename).String(), "error", err)
			continue
		}
		if res, ok := storage.MatchConversation(conv, q); ok {
			res.Summary = storage.Summarize(conv, ns.Key(filename), size)
			results = append(results, res)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf("search rows: %w", err)
	}
	return storage.RankResults(results, q.Limit), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Stats totals one project or all of them.
func (s *Store) Stats(ctx context.Context, project string) (*storage.Stats, error) {
	var (
		sums []storage.ConversationSummary
		err  error
	)
	if project == "" {
		sums, err = s.summaries(ctx, "")
	} else {
		sums, err = s.summaries(ctx, "WHERE project = ?", project)
	}
	if err != nil {
		return nil, err
	}

	stats := &storage.Stats{Backend: s.dialect.Name}
	projects := make(map[string]struct{})
	for _, sum := range sums {
		projects[sum.Key.Project] = struct{}{}
		stats.Add(sum)
	}
	stats.Projects = len(projects)
	if project != "" {
		stats.Projects = 1
	}
	return stats, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.errf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return s.errf("%w: %v", storage.ErrBackendUnavailable, err)
	}
	return nil
}

// Projects lists every project with stored conversations or pointers.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project FROM conversations
		UNION
		SELECT project FROM namespaces
		ORDER BY 1`)
	if err != nil {
		return nil, s.errf("projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, s.errf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.errf("projects rows: %w", err)
	}
	return out, nil
}

// NextFilename returns one past the highest numbered document in ns.
func (s *Store) NextFilename(ctx context.Context, ns storage.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", s.errf("next filename: %w", err)
	}
	var highest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT MAX(file_number) FROM conversations WHERE project = ? AND area = ?"),
		ns.Project, string(ns.Area)).Scan(&highest)
	if err != nil {
		return "", s.errf("next filename: %w", err)
	}
	if !highest.Valid {
		return "0.json", nil
	}
	return strconv.FormatInt(highest.Int64+1, 10) + ".json", nil
}

// Latest reads the latest pointer of ns.
func (s *Store) Latest(ctx context.Context, ns storage.Namespace) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", s.errf("latest: %w", err)
	}
	var name string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT latest_filename FROM namespaces WHERE project = ? AND area = ?"),
		ns.Project, string(ns.Area)).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", s.errf("%s latest pointer: %w", ns, storage.ErrNotFound)
		}
		return "", s.errf("latest: %w", err)
	}
	if name == "" {
		return "", s.errf("%s latest pointer: %w", ns, storage.ErrNotFound)
	}
	return name, nil
}

// SetLatest upserts the latest pointer of ns.
func (s *Store) SetLatest(ctx context.Context, ns storage.Namespace, filename string) error {
	if err := ns.Key(filename).Validate(); err != nil {
		return s.errf("set latest: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO namespaces (project, area, latest_filename) VALUES (?, ?, ?)
		ON CONFLICT (project, area) DO UPDATE SET latest_filename = excluded.latest_filename`),
		ns.Project, string(ns.Area), filename)
	if err != nil {
		return s.errf("%w: set latest %s: %v", storage.ErrIO, ns, err)
	}
	return nil
}
