package format

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/scrypster/chathistory/pkg/types"
)

const maxDerivedTitle = 60

// Converter turns legacy and hybrid documents into unified conversations.
// NewID and Now are injectable so conversions can be made deterministic.
type Converter struct {
	NewID func() string
	Now   func() time.Time
}

// NewConverter returns a converter using random UUIDs and the wall clock.
func NewConverter() *Converter {
	return &Converter{
		NewID: uuid.NewString,
		Now:   time.Now,
	}
}

// Options carries the context a document is converted in.
type Options struct {
	// Filename is the document's on-disk name. It wins over any filename
	// recorded inside the document.
	Filename string
	Project  types.ProjectInfo

	// Seed, when set, makes every id generated during the conversion a
	// function of the seed and the document bytes, so repeated in-memory
	// decodes of one stored document agree on its ids.
	Seed string
}

// Report describes what a conversion did.
type Report struct {
	Variant  Variant
	Stats    types.ConversionStats
	Warnings []string
}

func (c *Converter) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// seeded returns a copy of c whose ids are name-based UUIDs derived from
// seed and raw, numbered in generation order.
func (c *Converter) seeded(seed string, raw []byte) *Converter {
	sum := sha256.Sum256(raw)
	prefix := fmt.Sprintf("chathistory:%s:%x#", seed, sum)
	n := 0
	return &Converter{
		Now: c.Now,
		NewID: func() string {
			n++
			return uuid.NewSHA1(uuid.NameSpaceURL, []byte(prefix+strconv.Itoa(n))).String()
		},
	}
}

func (c *Converter) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// ConvertEntries maps legacy entries to unified messages in entry order. An
// entry with a request yields a user message, an entry with a response yields
// an assistant message, and both share one turn id. fallback is used for
// entries without a usable timestamp.
func (c *Converter) ConvertEntries(entries []LegacyEntry, fallback time.Time) ([]types.Message, types.ConversionStats, []string) {
	var (
		messages []types.Message
		stats    types.ConversionStats
		warnings []string
	)

	for i := range entries {
		entry := &entries[i]
		stats.EntriesProcessed++

		if entry.Request == "" && entry.Response == "" {
			stats.EntriesSkipped++
			warnings = append(warnings, fmt.Sprintf("entry %d has neither request nor response; skipped", i))
			continue
		}

		created := entry.Timestamp.Time
		if created.IsZero() {
			created = fallback
		}
		turnID := c.newID()

		if entry.Request != "" {
			msg := types.Message{
				ID:               c.newID(),
				Role:             types.RoleUser,
				Content:          types.TextContent(entry.Request),
				CreatedAt:        created,
				TurnID:           turnID,
				State:            types.StateGenerated,
				IsUserSubmission: true,
				Visible:          entry.IsVisible(),
			}
			if md := requestMetadata(entry); len(md) > 0 {
				msg.Metadata = md
			}
			messages = append(messages, msg)
			stats.MessagesCreated++
		}

		if entry.Response != "" {
			msg := types.Message{
				ID:        c.newID(),
				Role:      types.RoleAssistant,
				Content:   types.TextContent(entry.Response),
				CreatedAt: created,
				TurnID:    turnID,
				State:     types.StateGenerated,
				Visible:   entry.IsVisible(),
			}
			if md := responseMetadata(entry); len(md) > 0 {
				msg.Metadata = md
			}
			messages = append(messages, msg)
			stats.MessagesCreated++
		}
	}

	return messages, stats, warnings
}

func requestMetadata(entry *LegacyEntry) map[string]interface{} {
	md := map[string]interface{}{}
	if entry.SelectedCode != nil && entry.SelectedCode.Content != "" {
		md["selected_code"] = map[string]interface{}{
			"path":      entry.SelectedCode.Path,
			"content":   entry.SelectedCode.Content,
			"file_type": entry.SelectedCode.FileType,
		}
	}
	if len(entry.SelectedFilepaths) > 0 {
		md["selected_filepaths"] = append([]string(nil), entry.SelectedFilepaths...)
	}
	return md
}

func responseMetadata(entry *LegacyEntry) map[string]interface{} {
	md := map[string]interface{}{}
	if entry.Provider != "" {
		md["provider"] = entry.Provider
	}
	if entry.Model != "" {
		md["model"] = entry.Model
	}
	return md
}

// LinkToolChains walks messages in order and pairs each tool result with the
// tool use it references. A linked result with no turn id inherits the turn
// of its tool use. Orphaned results are reported, never dropped.
func LinkToolChains(messages []types.Message) (linked int, orphans []types.ToolChainWarning) {
	turns := make(map[string]string)
	for i := range messages {
		msg := &messages[i]
		if msg.IsToolUse() {
			if id := msg.InvocationID(); id != "" {
				turns[id] = msg.TurnID
			}
			continue
		}
		if !msg.IsToolResult() {
			continue
		}
		turn, ok := turns[msg.ReferencedInvocationID()]
		if !ok {
			continue
		}
		linked++
		if msg.TurnID == "" {
			msg.TurnID = turn
		}
	}
	return linked, types.ValidateToolChains(messages)
}

// FromLegacy converts a legacy document into a unified conversation.
func (c *Converter) FromLegacy(doc *LegacyDocument, opts Options) (*types.Conversation, *Report) {
	now := c.now()
	created := doc.Timestamp.Time
	if created.IsZero() {
		created = firstEntryTime(doc.Entries)
	}
	if created.IsZero() {
		created = now
	}

	messages, stats, warnings := c.ConvertEntries(doc.Entries, created)
	linked, orphans := LinkToolChains(messages)
	stats.ToolChainsLinked = linked
	stats.OrphanedResults = len(orphans)
	for _, w := range orphans {
		warnings = append(warnings, w.String())
	}

	conv := types.NewConversation(c.newID(), pickFilename(opts.Filename, doc.Filename), opts.Project, created)
	conv.Title = deriveTitle(doc.Title, doc.Entries)
	if messages != nil {
		conv.Messages = messages
	}
	conv.UpdatedAt = lastActivity(conv.Messages, created)
	conv.RecomputeStatistics()
	conv.MigrationMetadata = &types.MigrationMetadata{
		MigratedFrom:       string(VariantLegacy),
		MigrationTimestamp: now,
		OriginalFormat:     OriginalFormatLegacy,
		ConversionStats:    stats,
	}

	return conv, &Report{Variant: VariantLegacy, Stats: stats, Warnings: warnings}
}

// FromHybrid normalises a hybrid document: existing messages are kept as
// they are and converted legacy entries are appended after them.
func (c *Converter) FromHybrid(doc *HybridDocument, opts Options) (*types.Conversation, *Report) {
	now := c.now()
	conv := doc.Conversation.Clone()

	if conv.ID == "" {
		conv.ID = c.newID()
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == "" {
			conv.Messages[i].ID = c.newID()
		}
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = firstEntryTime(doc.Entries)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]interface{}{}
	}
	if strings.TrimSpace(conv.Title) == "" {
		conv.Title = deriveTitle("", doc.Entries)
	}
	conv.Filename = pickFilename(opts.Filename, conv.Filename)
	if conv.ProjectInfo.RootPath == "" {
		conv.ProjectInfo = opts.Project
	}

	retained := len(conv.Messages)
	converted, stats, warnings := c.ConvertEntries(doc.Entries, conv.CreatedAt)
	conv.Messages = append(conv.Messages, converted...)
	if conv.Messages == nil {
		conv.Messages = []types.Message{}
	}
	stats.MessagesRetained = retained

	linked, orphans := LinkToolChains(conv.Messages)
	stats.ToolChainsLinked = linked
	stats.OrphanedResults = len(orphans)
	for _, w := range orphans {
		warnings = append(warnings, w.String())
	}

	conv.SchemaVersion = types.CurrentSchemaVersion
	conv.UpdatedAt = lastActivity(conv.Messages, conv.UpdatedAt)
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}
	conv.RecomputeStatistics()
	conv.MigrationMetadata = &types.MigrationMetadata{
		MigratedFrom:       string(VariantHybrid),
		MigrationTimestamp: now,
		OriginalFormat:     OriginalFormatHybrid,
		ConversionStats:    stats,
	}

	return conv, &Report{Variant: VariantHybrid, Stats: stats, Warnings: warnings}
}

func pickFilename(onDisk, recorded string) string {
	if onDisk != "" {
		return onDisk
	}
	return recorded
}

func firstEntryTime(entries []LegacyEntry) time.Time {
	for i := range entries {
		if !entries[i].Timestamp.IsZero() {
			return entries[i].Timestamp.Time
		}
	}
	return time.Time{}
}

func lastActivity(messages []types.Message, floor time.Time) time.Time {
	latest := floor
	for i := range messages {
		if messages[i].CreatedAt.After(latest) {
			latest = messages[i].CreatedAt
		}
	}
	return latest
}

// deriveTitle prefers an explicit title, then the first line of the first
// request.
func deriveTitle(title string, entries []LegacyEntry) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	for i := range entries {
		line := strings.TrimSpace(strings.SplitN(entries[i].Request, "\n", 2)[0])
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxDerivedTitle {
			runes := []rune(line)
			line = string(runes[:maxDerivedTitle]) + "..."
		}
		return line
	}
	return "untitled"
}
