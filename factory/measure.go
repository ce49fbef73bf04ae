/*
Package factory converts measure definition files into bnf.Measure values.

PURPOSE:
  Measure definitions live as files next to the OpenPrescribing measure
  definitions. Only those flagged for testing are turned into rules; the
  factory validates the testing fields and builds the matching bnf.Rule.

FILE SCHEMA (JSON, or the same keys in YAML):
  {
    "testing_measure": true,
    "testing_type": "numerator_bnf_codes_filter",
    "testing_comments": "New statins should be reviewed",
    "numerator_bnf_codes_filter": ["0212000B0 # Atorvastatin", "~0212000B0AAAB"]
  }

  {
    "testing_measure": true,
    "testing_type": "custom",
    "testing_comments": "Opioid analgesics",
    "testing_include": ["0407%"],
    "testing_exclude": ["040701%"]
  }

VALIDATION:
  - Files without testing_measure == true are skipped silently
  - testing_type must be "custom" or "numerator_bnf_codes_filter"
  - custom needs both testing_include and testing_exclude (either may be [])
  - numerator_bnf_codes_filter needs the numerator_bnf_codes_filter list
  - The measure is named after the file stem

  Rejected files are reported in LoadResult.Rejected and logged; loading
  carries on with the rest of the directory.

USAGE:
  f := factory.NewMeasureFactory(logger)
  res, err := f.LoadDir(os.DirFS("./measures"))
  triggered, passed := bnf.EvaluateAll(res.Measures, newCodes)

SEE ALSO:
  - bnf/rule.go: Rule types built here
  - factory/github.go: Loading the same files from a GitHub listing
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openprescribing/bnfwatch/bnf"
)

// =============================================================================
// DEFINITION SCHEMA
// =============================================================================

// MeasureJSON is the testing part of a measure definition file. Other keys
// in the file are ignored.
type MeasureJSON struct {
	TestingMeasure  bool      `json:"testing_measure" yaml:"testing_measure"`
	TestingType     string    `json:"testing_type" yaml:"testing_type"`
	TestingComments Comments  `json:"testing_comments,omitempty" yaml:"testing_comments,omitempty"`
	TestingInclude  *[]string `json:"testing_include,omitempty" yaml:"testing_include,omitempty"`
	TestingExclude  *[]string `json:"testing_exclude,omitempty" yaml:"testing_exclude,omitempty"`
	NumeratorCodes  *[]string `json:"numerator_bnf_codes_filter,omitempty" yaml:"numerator_bnf_codes_filter,omitempty"`
}

// Comments accepts a string or a list of lines.
type Comments string

func (c *Comments) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Comments(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("testing_comments must be a string or a list of strings")
	}
	*c = Comments(strings.Join(lines, " "))
	return nil
}

func (c *Comments) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = Comments(node.Value)
		return nil
	case yaml.SequenceNode:
		var lines []string
		if err := node.Decode(&lines); err != nil {
			return err
		}
		*c = Comments(strings.Join(lines, " "))
		return nil
	}
	return fmt.Errorf("testing_comments must be a string or a list of strings")
}

// Format is a definition file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file name, or "" when unsupported.
func FormatOf(name string) Format {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return ""
}

// =============================================================================
// FACTORY
// =============================================================================

// MeasureFactory creates measures from definition files.
type MeasureFactory struct {
	logger *zap.Logger
}

// NewMeasureFactory creates a factory. A nil logger discards output.
func NewMeasureFactory(logger *zap.Logger) *MeasureFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MeasureFactory{logger: logger}
}

// LoadResult is the outcome of loading a set of definition files.
type LoadResult struct {
	Measures []bnf.Measure
	Rejected []error
	Skipped  int // files not flagged testing_measure
}

// Parse decodes one definition. It returns nil, nil when the file is not
// flagged for testing.
func (f *MeasureFactory) Parse(name string, data []byte, format Format) (*bnf.Measure, error) {
	var mj MeasureJSON
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &mj)
	case FormatYAML:
		err = yaml.Unmarshal(data, &mj)
	default:
		return nil, &bnf.RuleError{Measure: name, Reason: fmt.Sprintf("unsupported definition format %q", format)}
	}
	if err != nil {
		return nil, &bnf.RuleError{Measure: name, Reason: fmt.Sprintf("invalid %s: %v", format, err)}
	}
	if !mj.TestingMeasure {
		return nil, nil
	}
	m, err := f.FromJSON(name, mj)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// FromJSON validates the testing fields and builds the rule.
func (f *MeasureFactory) FromJSON(name string, mj MeasureJSON) (bnf.Measure, error) {
	rule, err := parseRule(name, mj)
	if err != nil {
		return bnf.Measure{}, err
	}
	return bnf.Measure{Name: name, Comments: string(mj.TestingComments), Rule: rule}, nil
}

// ToJSON is the inverse of FromJSON for the testing fields.
func (f *MeasureFactory) ToJSON(m bnf.Measure) MeasureJSON {
	mj := MeasureJSON{
		TestingMeasure:  true,
		TestingType:     string(m.Rule.Kind()),
		TestingComments: Comments(m.Comments),
	}
	switch r := m.Rule.(type) {
	case *bnf.CustomRule:
		include, exclude := sources(r.Include), sources(r.Exclude)
		mj.TestingInclude, mj.TestingExclude = &include, &exclude
	case *bnf.CodesFilterRule:
		entries := append([]string{}, r.Entries...)
		mj.NumeratorCodes = &entries
	}
	return mj
}

// LoadDir loads every .json/.yaml/.yml file at the top level of fsys.
func (f *MeasureFactory) LoadDir(fsys fs.FS) (LoadResult, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to read measures directory: %w", err)
	}

	var res LoadResult
	for _, entry := range entries {
		if entry.IsDir() || FormatOf(entry.Name()) == "" {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			res.Rejected = append(res.Rejected, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		f.add(&res, entry.Name(), data)
	}
	return res, nil
}

// add parses one file into res, logging rejections.
func (f *MeasureFactory) add(res *LoadResult, fileName string, data []byte) {
	name := strings.TrimSuffix(fileName, path.Ext(fileName))
	m, err := f.Parse(name, data, FormatOf(fileName))
	switch {
	case err != nil:
		f.logger.Warn("measure definition rejected", zap.String("file", fileName), zap.Error(err))
		res.Rejected = append(res.Rejected, err)
	case m == nil:
		res.Skipped++
	default:
		res.Measures = append(res.Measures, *m)
	}
}

// ===== Parsing helpers =====

func parseRule(name string, mj MeasureJSON) (bnf.Rule, error) {
	var (
		rule bnf.Rule
		err  error
	)
	switch bnf.RuleKind(mj.TestingType) {
	case "":
		return nil, &bnf.RuleError{Measure: name, Reason: "testing_type is not defined"}
	case bnf.RuleKindCustom:
		if mj.TestingInclude == nil || mj.TestingExclude == nil {
			return nil, &bnf.RuleError{Measure: name,
				Reason: "both testing_include and testing_exclude must be provided when testing_type is custom"}
		}
		rule, err = bnf.NewCustomRule(nonNil(*mj.TestingInclude), nonNil(*mj.TestingExclude))
	case bnf.RuleKindNumeratorCodes:
		if mj.NumeratorCodes == nil {
			return nil, &bnf.RuleError{Measure: name,
				Reason: fmt.Sprintf("data for %s is missing or invalid", mj.TestingType)}
		}
		rule, err = bnf.NewCodesFilterRule(nonNil(*mj.NumeratorCodes))
	default:
		return nil, &bnf.RuleError{Measure: name, Err: bnf.ErrUnknownRuleKind,
			Reason: fmt.Sprintf("testing_type must be %s or %s, got %q",
				bnf.RuleKindNumeratorCodes, bnf.RuleKindCustom, mj.TestingType)}
	}
	if err != nil {
		var re *bnf.RuleError
		if errors.As(err, &re) && re.Measure == "" {
			re.Measure = name
		}
		return nil, err
	}
	return rule, nil
}

// nonNil keeps "present but empty" distinct from "absent" once a pointer
// has been dereferenced.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func sources(patterns []bnf.Pattern) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.Source
	}
	return out
}

// DirSource loads definitions from a directory on each Load.
type DirSource struct {
	FS      fs.FS
	Factory *MeasureFactory
}

// Load implements the same contract as GitHubSource.Load.
func (d *DirSource) Load(_ context.Context) (LoadResult, error) {
	f := d.Factory
	if f == nil {
		f = NewMeasureFactory(nil)
	}
	return f.LoadDir(d.FS)
}
