package history

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/scrypster/chathistory/pkg/types"
)

const maxLocationStem = 64

// ProjectContext identifies the project a conversation belongs to.
type ProjectContext struct {
	RootPath     string
	RelativePath string
}

func normalizeRoot(root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return filepath.ToSlash(filepath.Clean(root))
}

// ResolveLocation derives the storage project key for pc. The same root
// always yields the same key: the sanitised path plus the first eight hex
// digits of its SHA-256, so distinct roots that sanitise alike stay apart.
func ResolveLocation(pc ProjectContext) string {
	root := normalizeRoot(pc.RootPath)

	var b strings.Builder
	for _, r := range root {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	stem := strings.Trim(b.String(), "_")
	if len(stem) > maxLocationStem {
		stem = strings.TrimLeft(stem[len(stem)-maxLocationStem:], "_")
	}
	if stem == "" {
		stem = "root"
	}

	sum := sha256.Sum256([]byte(root))
	return stem + "-" + hex.EncodeToString(sum[:])[:8]
}

func (pc ProjectContext) info() types.ProjectInfo {
	return types.ProjectInfo{
		RootPath:     normalizeRoot(pc.RootPath),
		RelativePath: pc.RelativePath,
		ProjectKey:   ResolveLocation(pc),
	}
}
