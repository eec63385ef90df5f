// Package cleanup enforces retention on stored conversations: it archives or
// deletes old conversations per project, restores archived ones, prunes
// migration backups, and runs these sweeps on a cron schedule.
package cleanup

import (
	"fmt"
	"time"
)

// Policy bounds how much history a project keeps. A zero field disables
// its rule.
type Policy struct {
	// MaxConversations caps the conversations kept in a project's history.
	MaxConversations int `yaml:"max_conversations"`

	// MaxAgeDays deletes conversations not updated for longer than this.
	MaxAgeDays int `yaml:"max_age_days"`

	// ArchiveThresholdDays archives conversations not updated for longer
	// than this (but younger than MaxAgeDays).
	ArchiveThresholdDays int `yaml:"archive_threshold_days"`

	// PreserveRecent exempts the most recently updated conversations from
	// every rule.
	PreserveRecent int `yaml:"preserve_recent"`

	// SizeThresholdMB caps the bytes kept in a project's history.
	SizeThresholdMB float64 `yaml:"size_threshold_mb"`

	// DeleteOverLimit deletes instead of archiving when MaxConversations
	// is exceeded.
	DeleteOverLimit bool `yaml:"delete_over_limit"`
}

// DefaultPolicy returns the retention policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxConversations:     100,
		MaxAgeDays:           90,
		ArchiveThresholdDays: 30,
		PreserveRecent:       5,
	}
}

// Validate rejects policies whose rules contradict each other.
func (p Policy) Validate() error {
	if p.MaxConversations < 0 || p.MaxAgeDays < 0 || p.ArchiveThresholdDays < 0 ||
		p.PreserveRecent < 0 || p.SizeThresholdMB < 0 {
		return fmt.Errorf("cleanup: policy values must not be negative")
	}
	if p.MaxConversations > 0 && p.PreserveRecent > p.MaxConversations {
		return fmt.Errorf("cleanup: preserve_recent (%d) exceeds max_conversations (%d)",
			p.PreserveRecent, p.MaxConversations)
	}
	if p.MaxAgeDays > 0 && p.ArchiveThresholdDays >= p.MaxAgeDays {
		return fmt.Errorf("cleanup: archive_threshold_days (%d) must be below max_age_days (%d)",
			p.ArchiveThresholdDays, p.MaxAgeDays)
	}
	return nil
}

func (p Policy) sizeLimit() int64 {
	return int64(p.SizeThresholdMB * 1024 * 1024)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// Action is what a run does to one conversation.
type Action string

const (
	ActionArchive Action = "archive"
	ActionDelete  Action = "delete"
	ActionRestore Action = "restore"
)

// Rule names the policy rule behind an action.
type Rule string

const (
	RuleAge   Rule = "age"
	RuleSize  Rule = "size"
	RuleCount Rule = "count"
)

// PlannedAction is one step of a cleanup plan.
type PlannedAction struct {
	Filename  string    `json:"filename"`
	ID        string    `json:"uuid"`
	Title     string    `json:"title"`
	Action    Action    `json:"action"`
	Rule      Rule      `json:"rule"`
	UpdatedAt time.Time `json:"updated_at"`
	SizeBytes int64     `json:"size_bytes"`

	// ArchivedAs is the archive filename used; empty for deletes and dry runs.
	ArchivedAs string `json:"archived_as,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Summary reports one project's cleanup run.
type Summary struct {
	Project   string `json:"project"`
	DryRun    bool   `json:"dry_run"`
	Examined  int    `json:"examined"`
	Preserved int    `json:"preserved"`
	Kept      int    `json:"kept"`
	Archived  int    `json:"archived"`
	Deleted   int    `json:"deleted"`
	Failed    int    `json:"failed"`

	// BytesFreed counts deleted bytes only; archiving moves data.
	BytesFreed int64           `json:"bytes_freed"`
	Actions    []PlannedAction `json:"actions"`
}

// Success reports whether every planned action was applied.
func (s *Summary) Success() bool { return s.Failed == 0 }
