package storage

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/chathistory/pkg/types"
)

var (
	// ErrNotFound indicates that no conversation is stored under the key.
	ErrNotFound = errors.New("conversation not found")

	// ErrDecode indicates that stored bytes are not a valid conversation.
	ErrDecode = errors.New("conversation could not be decoded")

	// ErrBackendUnavailable indicates that the backend cannot serve requests.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrUnsupported indicates that the backend does not implement an
	// optional capability such as search.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIO indicates a failed write, rename or delete.
	ErrIO = errors.New("storage i/o failure")
)

// Area separates live conversations from archived ones within a project.
type Area string

const (
	AreaHistory Area = "history"
	AreaArchive Area = "archive"
)

// MetadataFilename is reserved for the per-namespace latest pointer.
const MetadataFilename = "metadata.json"

// Namespace addresses all conversations of one project area.
type Namespace struct {
	Project string
	Area    Area
}

// History returns the live namespace of project.
func History(project string) Namespace {
	return Namespace{Project: project, Area: AreaHistory}
}

// Archived returns the archive namespace of project.
func Archived(project string) Namespace {
	return Namespace{Project: project, Area: AreaArchive}
}

func (ns Namespace) String() string {
	return ns.Project + "/" + string(ns.Area)
}

// Key returns the key of filename inside ns.
func (ns Namespace) Key(filename string) Key {
	return Key{Namespace: ns, Filename: filename}
}

// Validate rejects namespaces that could escape the storage root.
func (ns Namespace) Validate() error {
	if !safeName.MatchString(ns.Project) {
		return fmt.Errorf("%w: project key %q", ErrInvalidInput, ns.Project)
	}
	if ns.Area != AreaHistory && ns.Area != AreaArchive {
		return fmt.Errorf("%w: area %q", ErrInvalidInput, ns.Area)
	}
	return nil
}

// Key addresses one conversation document.
type Key struct {
	Namespace
	Filename string
}

func (k Key) String() string {
	return k.Namespace.String() + "/" + k.Filename
}

// Validate rejects keys with unsafe or reserved filenames.
func (k Key) Validate() error {
	if err := k.Namespace.Validate(); err != nil {
		return err
	}
	if !safeName.MatchString(k.Filename) || k.Filename == MetadataFilename {
		return fmt.Errorf("%w: filename %q", ErrInvalidInput, k.Filename)
	}
	return nil
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

// FilenameNumber parses the numeric basename of names like "12.json".
func FilenameNumber(name string) (int, bool) {
	base := strings.TrimSuffix(name, ".json")
	if base == name || base == "" {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// NextNumberedFilename returns one more than the highest numbered name in
// names, or "0.json" when there is none. Non-numeric names are ignored.
func NextNumberedFilename(names []string) string {
	next := 0
	for _, name := range names {
		if n, ok := FilenameNumber(name); ok && n+1 > next {
			next = n + 1
		}
	}
	return strconv.Itoa(next) + ".json"
}

// EngineConfig configures a backend.
type EngineConfig struct {
	// Root is the storage root directory for file-based backends.
	Root string

	// DSN is the connection string or database path for database backends.
	DSN string

	// Options carries backend-specific settings.
	Options map[string]string
}

// Sort fields accepted by ListOptions.
const (
	SortUpdatedAt    = "updated_at"
	SortCreatedAt    = "created_at"
	SortFilename     = "filename"
	SortTitle        = "title"
	SortMessageCount = "message_count"
)

// ListOptions controls ordering and filtering of List.
type ListOptions struct {
	// SortBy is one of the Sort* fields (default: updated_at).
	SortBy string

	// SortOrder is "asc" or "desc" (default: "desc").
	SortOrder string

	// Filter narrows the result set.
	Filter ListFilter

	// Limit caps the number of summaries returned. Zero means no limit.
	Limit int
}

// ListFilter narrows List results. Zero values disable a criterion.
type ListFilter struct {
	// TitleContains matches titles case-insensitively.
	TitleContains string

	// Tag requires the conversation to carry this tag.
	Tag string

	// UpdatedAfter keeps conversations updated strictly after this time.
	UpdatedAfter time.Time

	// UpdatedBefore keeps conversations updated strictly before this time.
	UpdatedBefore time.Time

	// IncludeArchived keeps conversations flagged archived that still live
	// in a history namespace.
	IncludeArchived bool
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	// Whitelist validation for SortBy; SQL backends interpolate it.
	allowedSortFields := map[string]bool{
		SortUpdatedAt:    true,
		SortCreatedAt:    true,
		SortFilename:     true,
		SortTitle:        true,
		SortMessageCount: true,
	}

	if !allowedSortFields[o.SortBy] {
		o.SortBy = SortUpdatedAt
	}

	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}

	if o.Limit < 0 {
		o.Limit = 0
	}
}

// ConversationSummary is the list view of a stored conversation.
type ConversationSummary struct {
	Key          Key
	ID           string
	Title        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	Tags         []string
	Archived     bool

	// SizeBytes is the encoded size of the stored document.
	SizeBytes int64
}

// Summarize builds the summary of conv stored under key.
func Summarize(conv *types.Conversation, key Key, size int64) ConversationSummary {
	return ConversationSummary{
		Key:          key,
		ID:           conv.ID,
		Title:        conv.Title,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
		MessageCount: len(conv.Messages),
		Tags:         append([]string(nil), conv.Tags...),
		Archived:     conv.Archived,
		SizeBytes:    size,
	}
}

// Matches reports whether s passes the filter.
func (f ListFilter) Matches(s ConversationSummary) bool {
	if s.Archived && !f.IncludeArchived && s.Key.Area == AreaHistory {
		return false
	}
	if f.TitleContains != "" && !strings.Contains(strings.ToLower(s.Title), strings.ToLower(f.TitleContains)) {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range s.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.UpdatedAfter.IsZero() && !s.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !s.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// ApplyListOptions filters, sorts and limits summaries in memory. Backends
// that cannot push these down to a query use it directly. Ties are broken by
// filename so ordering is deterministic.
func ApplyListOptions(summaries []ConversationSummary, opts ListOptions) []ConversationSummary {
	opts.Normalize()

	out := summaries[:0:0]
	for _, s := range summaries {
		if opts.Filter.Matches(s) {
			out = append(out, s)
		}
	}

	less := func(a, b ConversationSummary) int {
		switch opts.SortBy {
		case SortCreatedAt:
			return a.CreatedAt.Compare(b.CreatedAt)
		case SortFilename:
			return compareFilenames(a.Key.Filename, b.Key.Filename)
		case SortTitle:
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		case SortMessageCount:
			return a.MessageCount - b.MessageCount
		default:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		c := less(out[i], out[j])
		if c == 0 {
			c = compareFilenames(out[i].Key.Filename, out[j].Key.Filename)
		}
		if opts.SortOrder == "asc" {
			return c < 0
		}
		return c > 0
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// compareFilenames orders numbered filenames numerically and everything
// else lexically after them.
func compareFilenames(a, b string) int {
	na, okA := FilenameNumber(a)
	nb, okB := FilenameNumber(b)
	switch {
	case okA && okB:
		return na - nb
	case okA:
		return -1
	case okB:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// SearchQuery is a case-insensitive substring search, not a query language.
type SearchQuery struct {
	// Text is matched against titles and message content.
	Text string

	// Limit caps the number of results (default: 20, max: 100).
	Limit int
}

// Normalize applies defaults and validates the SearchQuery.
func (q *SearchQuery) Normalize() {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
}

// SearchResult is one matching conversation.
type SearchResult struct {
	Summary ConversationSummary

	// Matches is the number of messages whose content matched.
	Matches int

	// TitleMatch reports whether the title matched.
	TitleMatch bool

	// Snippet is an excerpt around the first content match.
	Snippet string
}

// MatchConversation scores conv against a normalised query. It returns
// false when neither the title nor any message matched.
func MatchConversation(conv *types.Conversation, q SearchQuery) (SearchResult, bool) {
	needle := strings.ToLower(q.Text)
	if needle == "" {
		return SearchResult{}, false
	}

	var res SearchResult
	res.TitleMatch = strings.Contains(strings.ToLower(conv.Title), needle)
	for i := range conv.Messages {
		text := conv.Messages[i].Content.String()
		idx := strings.Index(strings.ToLower(text), needle)
		if idx < 0 {
			continue
		}
		res.Matches++
		if res.Snippet == "" {
			res.Snippet = snippet(text, idx, len(needle))
		}
	}
	return res, res.TitleMatch || res.Matches > 0
}

const snippetContext = 40

func snippet(text string, idx, n int) string {
	start := idx - snippetContext
	if start < 0 {
		start = 0
	}
	end := idx + n + snippetContext
	if end > len(text) {
		end = len(text)
	}
	// Avoid cutting inside a multi-byte rune.
	for start > 0 && !utf8Start(text[start]) {
		start--
	}
	for end < len(text) && !utf8Start(text[end]) {
		end++
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

// RankResults orders search results by match count, title hits first, then
// most recently updated, and applies the limit.
func RankResults(results []SearchResult, limit int) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.TitleMatch != b.TitleMatch {
			return a.TitleMatch
		}
		if a.Matches != b.Matches {
			return a.Matches > b.Matches
		}
		return a.Summary.UpdatedAt.After(b.Summary.UpdatedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Stats summarises stored conversations.
type Stats struct {
	Backend       string
	Projects      int
	Conversations int
	Archived      int
	Messages      int
	SizeBytes     int64

	// Oldest and Newest are the extreme updated_at values seen.
	Oldest time.Time
	Newest time.Time
}

// Add folds one summary into the totals.
func (s *Stats) Add(sum ConversationSummary) {
	if sum.Key.Area == AreaArchive {
		s.Archived++
	} else {
		s.Conversations++
	}
	s.Messages += sum.MessageCount
	s.SizeBytes += sum.SizeBytes
	if s.Oldest.IsZero() || sum.UpdatedAt.Before(s.Oldest) {
		s.Oldest = sum.UpdatedAt
	}
	if sum.UpdatedAt.After(s.Newest) {
		s.Newest = sum.UpdatedAt
	}
}

// PrepareForSave recomputes the derived fields every backend must refresh
// before persisting conv under key.
func PrepareForSave(conv *types.Conversation, key Key) {
	if conv.SchemaVersion < types.CurrentSchemaVersion {
		conv.SchemaVersion = types.CurrentSchemaVersion
	}
	if conv.Messages == nil {
		conv.Messages = []types.Message{}
	}
	conv.Filename = key.Filename
	conv.Archived = key.Area == AreaArchive
	conv.RecomputeStatistics()
}
