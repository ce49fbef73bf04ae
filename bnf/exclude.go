package bnf

import "strings"

// =============================================================================
// EXCLUSIONS - Chapter/section prefixes removed before comparison
// =============================================================================

// ExceptMarker negates an exclusion entry: "~0201" keeps section 0201 even
// when chapter 02 is excluded.
const ExceptMarker = "~"

// Exclusions is a parsed exclusion list.
//
// A record is excluded iff code[:2] or code[:4] is in Exclude and code[:4]
// is not in Except. It is one predicate, not a sequence of filters: an
// except entry overrides a chapter-level exclude, and a chapter with no
// matching 4-character except cannot be rescued.
type Exclusions struct {
	Exclude map[string]struct{}
	Except  map[string]struct{}

	// Inert holds 2-character except entries. They are accepted but can
	// never match, since excepts are checked against code[:4] only.
	Inert []string
}

// ParseExclusions reads entries such as ["02", "0304", "~0201"].
//
// Entries must be 2 (chapter) or 4 (chapter+section) characters, with or
// without the except marker. A 2-character except entry is kept in Inert
// for callers to warn about.
func ParseExclusions(entries []string) (Exclusions, error) {
	ex := Exclusions{
		Exclude: make(map[string]struct{}),
		Except:  make(map[string]struct{}),
	}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if prefix, ok := strings.CutPrefix(entry, ExceptMarker); ok {
			switch len(prefix) {
			case 4:
				ex.Except[prefix] = struct{}{}
			case 2:
				ex.Inert = append(ex.Inert, entry)
			default:
				return Exclusions{}, &InvalidExclusionError{Entry: raw, Reason: "except prefix must be 2 or 4 characters"}
			}
			continue
		}
		if len(entry) != 2 && len(entry) != 4 {
			return Exclusions{}, &InvalidExclusionError{Entry: raw, Reason: "prefix must be 2 or 4 characters"}
		}
		ex.Exclude[entry] = struct{}{}
	}
	return ex, nil
}

// IsEmpty reports whether no exclude entries are configured. Except entries
// alone exclude nothing.
func (ex Exclusions) IsEmpty() bool {
	return len(ex.Exclude) == 0
}

// Excludes reports whether the code is filtered out. Codes are assumed
// validated (at least 4 characters).
func (ex Exclusions) Excludes(code string) bool {
	if ex.IsEmpty() || len(code) < 4 {
		return false
	}
	chapter, section := code[:2], code[:4]
	_, byChapter := ex.Exclude[chapter]
	_, bySection := ex.Exclude[section]
	if !byChapter && !bySection {
		return false
	}
	_, kept := ex.Except[section]
	return !kept
}

// Apply returns the snapshot without excluded records.
func (ex Exclusions) Apply(s Snapshot) Snapshot {
	if ex.IsEmpty() {
		return s
	}
	out := make([]Record, 0, len(s.Records))
	for _, r := range s.Records {
		if !ex.Excludes(r.Code) {
			out = append(out, r)
		}
	}
	return s.with(out)
}
