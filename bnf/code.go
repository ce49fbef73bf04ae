/*
Package bnf provides the snapshot comparison engine for BNF-coded
prescribing data.

PURPOSE:
  Each month a new extract of prescribing data is published. This package
  compares that extract (latest) against everything seen before (existing)
  and reports newly observed codes, descriptions and chemical substances.
  It is pure, synchronous computation over in-memory records: no I/O,
  no goroutines, no shared state. Fetching, persistence and rendering live
  in opendata/, store/ and report/.

KEY CONCEPTS IN THIS FILE (code.go):
  - Code: a BNF code, e.g. "0101010A0AAABAB"
  - Hierarchy: the four classification levels packed into its first 7 chars

      chapter     code[0:2]   "01"  Gastro-intestinal system
      section     code[2:4]   "01"  Dyspepsia and gastro-oesophageal reflux
      paragraph   code[4:6]   "01"  Antacids and simeticone
      subparagraph code[6:7]  "0"

  Only this fixed four-level scheme is supported.

SHORT CODES:
  Codes shorter than CodeLength are rejected with ErrShortCode. There is no
  truncation policy and no fallback to a shallower hierarchy.

SEE ALSO:
  - sort.go: Canonical ordering built on Hierarchy
  - exclude.go: Chapter/section prefixes
  - compare.go: The comparison pipeline
*/
package bnf

import "cmp"

// CodeLength is the number of leading characters that carry the hierarchy.
const CodeLength = 7

// Hierarchy is a code split into its four classification levels.
type Hierarchy struct {
	Chapter      string
	Section      string
	Paragraph    string
	Subparagraph string
}

// Decompose extracts the hierarchy from a code.
func Decompose(code string) (Hierarchy, error) {
	if len(code) < CodeLength {
		return Hierarchy{}, &InvalidCodeError{Code: code, Index: -1}
	}
	return Hierarchy{
		Chapter:      code[0:2],
		Section:      code[2:4],
		Paragraph:    code[4:6],
		Subparagraph: code[6:7],
	}, nil
}

// Code reassembles the levels; equal to the first 7 characters of the source code.
func (h Hierarchy) Code() string {
	return h.Chapter + h.Section + h.Paragraph + h.Subparagraph
}

// ChapterSection returns the 4-character chapter+section prefix.
func (h Hierarchy) ChapterSection() string {
	return h.Chapter + h.Section
}

// Compare orders hierarchies level by level; each level compares as a string.
func (h Hierarchy) Compare(other Hierarchy) int {
	if c := cmp.Compare(h.Chapter, other.Chapter); c != 0 {
		return c
	}
	if c := cmp.Compare(h.Section, other.Section); c != 0 {
		return c
	}
	if c := cmp.Compare(h.Paragraph, other.Paragraph); c != 0 {
		return c
	}
	return cmp.Compare(h.Subparagraph, other.Subparagraph)
}

// ValidateCode returns an InvalidCodeError if code cannot be decomposed.
func ValidateCode(code string) error {
	_, err := Decompose(code)
	return err
}
