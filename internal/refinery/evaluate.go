package refinery

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joescharf/harness/internal/models"
)

// DefaultSensitivePatterns match files whose concurrent edits cannot be
// reconciled at file granularity: lock files and generated code.
var DefaultSensitivePatterns = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"go.sum",
	"Cargo.lock",
	"poetry.lock",
	"Gemfile.lock",
	"*.pb.go",
	"*_generated.go",
	"*.gen.go",
	"zz_generated.*",
}

// Policy holds the file patterns used to classify overlaps.
type Policy struct {
	// SensitivePatterns make any overlap complex.
	SensitivePatterns []string
	// AutoMergePatterns mark overlaps that may still merge automatically,
	// for example append-only changelogs. Empty means overlaps never auto-merge.
	AutoMergePatterns []string
}

// Evaluate classifies req against others. Others with a non-zero LandedAt
// are completed requests; the rest are in flight.
//
// A request conflicts "complex" when a shared path is sensitive or was
// landed by a different worker at or after windowStart, the start of the
// current checkpoint window. Any other shared path is an "overlapping_files"
// conflict, which is allowed but auto-merges only if every shared path
// matches an auto-merge pattern. A zero windowStart puts all landed work in
// the window.
func (p Policy) Evaluate(req models.MergeRequest, others []models.MergeRequest, windowStart time.Time) models.MergeResult {
	mine := make(map[string]bool, len(req.FilesModified))
	for _, f := range req.FilesModified {
		mine[filepath.ToSlash(f)] = true
	}

	shared := map[string]bool{}
	var complexWith []string
	complexFiles := map[string]bool{}

	for _, other := range others {
		if other.ID != "" && other.ID == req.ID {
			continue
		}
		var overlap []string
		for _, f := range other.FilesModified {
			f = filepath.ToSlash(f)
			if mine[f] {
				overlap = append(overlap, f)
			}
		}
		if len(overlap) == 0 {
			continue
		}

		landedByOther := !other.LandedAt.IsZero() && !other.LandedAt.Before(windowStart) &&
			other.WorkerID != req.WorkerID
		isComplex := false
		for _, f := range overlap {
			shared[f] = true
			if landedByOther || matchAny(p.SensitivePatterns, f) {
				complexFiles[f] = true
				isComplex = true
			}
		}
		if isComplex {
			complexWith = appendUnique(complexWith, other.WorkerID)
		}
	}

	if len(shared) == 0 {
		return models.MergeResult{
			Allowed:       true,
			ConflictType:  models.ConflictNone,
			AutoMergeable: true,
			Reason:        "no overlapping files",
		}
	}

	if len(complexWith) > 0 {
		files := sortedKeys(complexFiles)
		return models.MergeResult{
			Allowed:          false,
			ConflictType:     models.ConflictComplex,
			ConflictingFiles: files,
			ConflictsWith:    complexWith,
			Reason: fmt.Sprintf("complex conflict with %s on %s",
				strings.Join(complexWith, ", "), strings.Join(files, ", ")),
		}
	}

	files := sortedKeys(shared)
	auto := len(p.AutoMergePatterns) > 0
	for _, f := range files {
		if !matchAny(p.AutoMergePatterns, f) {
			auto = false
			break
		}
	}
	reason := "overlapping files " + strings.Join(files, ", ")
	if !auto {
		reason += " need review"
	}
	return models.MergeResult{
		Allowed:          true,
		ConflictType:     models.ConflictOverlappingFiles,
		ConflictingFiles: files,
		AutoMergeable:    auto,
		Reason:           reason,
	}
}

// matchAny reports whether path matches any pattern, either as a whole
// path or by base name.
func matchAny(patterns []string, path string) bool {
	base := filepath.Base(path)
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
