package cleanup

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/chathistory/internal/fsutil"
	"github.com/scrypster/chathistory/internal/storage"
)

// BackupRetention says how many migration backups to keep per age tier:
// Hourly under a day old, Daily under a week, Weekly under 30 days and
// Monthly under a year. Older backups are always removed.
type BackupRetention struct {
	Hourly  int `yaml:"hourly"`
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
}

// DefaultBackupRetention returns the tiers used when none are configured.
func DefaultBackupRetention() BackupRetention {
	return BackupRetention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// BackupInfo describes one migration backup file.
type BackupInfo struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// backupTime reads the unix-nanos stamp out of "<file>.<nanos>.bak".
func backupTime(name string) (time.Time, bool) {
	stem := strings.TrimSuffix(name, ".bak")
	if stem == name {
		return time.Time{}, false
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot < 0 {
		return time.Time{}, false
	}
	nanos, err := strconv.ParseInt(stem[dot+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// listBackups lists the backup files directly inside dir, newest first. A
// missing directory has no backups.
func listBackups(fsys fsutil.FS, dir string) ([]BackupInfo, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cleanup: read backup directory %s: %w", dir, err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bak") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		ts, ok := backupTime(entry.Name())
		if !ok {
			ts = info.ModTime()
		}
		backups = append(backups, BackupInfo{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// expiredBackups returns the paths the tiers do not keep. backups must be
// sorted newest first.
func expiredBackups(backups []BackupInfo, policy BackupRetention, now time.Time) []string {
	var (
		expired                        []string
		hourly, daily, weekly, monthly []BackupInfo
	)
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			expired = append(expired, b.Path)
		}
	}

	for _, tier := range []struct {
		backups []BackupInfo
		keep    int
	}{
		{hourly, policy.Hourly},
		{daily, policy.Daily},
		{weekly, policy.Weekly},
		{monthly, policy.Monthly},
	} {
		if len(tier.backups) > tier.keep {
			for _, b := range tier.backups[tier.keep:] {
				expired = append(expired, b.Path)
			}
		}
	}
	return expired
}

// PruneResult reports a backup pruning pass.
type PruneResult struct {
	Scanned    int
	Removed    int
	BytesFreed int64
}

// PruneBackups applies policy to the migration backups in each of dirs.
// Removal continues past individual failures; the last one is returned.
func PruneBackups(fsys fsutil.FS, dirs []string, policy BackupRetention, now time.Time) (PruneResult, error) {
	var (
		res     PruneResult
		lastErr error
	)
	for _, dir := range dirs {
		backups, err := listBackups(fsys, dir)
		if err != nil {
			lastErr = err
			continue
		}
		res.Scanned += len(backups)

		sizes := make(map[string]int64, len(backups))
		for _, b := range backups {
			sizes[b.Path] = b.Size
		}
		for _, path := range expiredBackups(backups, policy, now) {
			if err := fsys.Remove(path); err != nil {
				lastErr = err
				continue
			}
			res.Removed++
			res.BytesFreed += sizes[path]
		}
	}
	if lastErr != nil {
		return res, fmt.Errorf("cleanup: failed to delete some backups: %w", lastErr)
	}
	return res, nil
}

// BackupDirs lists the directories migration backups can live in: every
// project folder under backupDir, or, when backupDir is empty, the history
// and archive folders under root/projects.
func BackupDirs(fsys fsutil.FS, root, backupDir string) ([]string, error) {
	base := backupDir
	if base == "" {
		base = filepath.Join(root, "projects")
	}
	entries, err := fsys.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cleanup: read %s: %w", base, err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		project := filepath.Join(base, entry.Name())
		if backupDir != "" {
			dirs = append(dirs, project)
			continue
		}
		dirs = append(dirs,
			filepath.Join(project, string(storage.AreaHistory)),
			filepath.Join(project, string(storage.AreaArchive)))
	}
	return dirs, nil
}
