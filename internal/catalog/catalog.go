// Package catalog loads the intent catalogue, the YAML file operators use to
// declare intents, their keywords, required slots and permissions, and
// seeds it into the intent store.
//
// A catalogue looks like:
//
//	version: 1
//	intents:
//	  - code: QUERY_BATCH
//	    name: 批次查询
//	    category: DATA_OP
//	    sensitivity: LOW
//	    keywords: [批次, 追溯]
//	    examples: ["查一下批次B2024-001"]
//	    required_slots:
//	      - name: batch
//	        type: BATCH
//	    active: true
//
// Entries without factory_id are platform-global. Seeding only writes intents
// whose content changed, so restarting with the same file does not bump
// versions or trigger cache refreshes.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/traceforge/traceforge/assistant/internal/errs"
	"github.com/traceforge/traceforge/assistant/internal/learning"
	"github.com/traceforge/traceforge/assistant/internal/store"
	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Catalog is a parsed intent catalogue.
type Catalog struct {
	Version int                       `yaml:"version"`
	Intents []models.IntentDefinition `yaml:"intents"`
}

// SeedReport tells what Seed did with each entry.
type SeedReport struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Load reads and validates the catalogue at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a catalogue. Unknown fields are rejected so
// typos do not silently drop configuration.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse intent catalog: %w", err)
	}
	for i := range c.Intents {
		normalize(&c.Intents[i])
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var (
	validCategories = map[models.IntentCategory]bool{
		models.CategoryForm: true, models.CategoryDataOp: true, models.CategoryAnalysis: true,
		models.CategorySchedule: true, models.CategorySystem: true,
	}
	validSensitivity = map[models.SensitivityLevel]bool{
		models.SensitivityLow: true, models.SensitivityMedium: true,
		models.SensitivityHigh: true, models.SensitivityCritical: true,
	}
	validSlotTypes = map[models.SlotValueType]bool{
		models.SlotValueString: true, models.SlotValueNumber: true, models.SlotValueDate: true,
		models.SlotValueBatch: true, models.SlotValueSupplier: true, models.SlotValueCustomer: true,
		models.SlotValueProduct: true, models.SlotValueWarehouse: true, models.SlotValueTimeRange: true,
	}
	codePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// Validate reports every problem in the catalogue at once.
func (c *Catalog) Validate() error {
	var problems []error
	seen := make(map[string]bool)
	for i, it := range c.Intents {
		where := fmt.Sprintf("intents[%d] %s", i, it.Code)
		bad := func(format string, args ...any) {
			problems = append(problems, fmt.Errorf("%s: %s", where, fmt.Sprintf(format, args...)))
		}
		if !codePattern.MatchString(it.Code) {
			bad("code must be upper snake case")
		}
		key := it.FactoryID + "/" + it.Code
		if seen[key] {
			bad("duplicate intent in scope %q", it.FactoryID)
		}
		seen[key] = true
		if it.Name == "" {
			bad("name is required")
		}
		if !validCategories[it.Category] {
			bad("unknown category %q", it.Category)
		}
		if !validSensitivity[it.Sensitivity] {
			bad("unknown sensitivity %q", it.Sensitivity)
		}
		slots := make(map[string]bool)
		for _, s := range it.RequiredSlots {
			if s.Name == "" {
				bad("slot without name")
				continue
			}
			if slots[s.Name] {
				bad("duplicate slot %s", s.Name)
			}
			slots[s.Name] = true
			if !validSlotTypes[s.Type] {
				bad("slot %s: unknown type %q", s.Name, s.Type)
			}
			if s.Pattern != "" {
				if _, err := regexp.Compile(s.Pattern); err != nil {
					bad("slot %s: invalid pattern: %v", s.Name, err)
				}
			}
			if s.Validation != "" {
				if _, err := expr.Compile(s.Validation, expr.AsBool()); err != nil {
					bad("slot %s: invalid validation: %v", s.Name, err)
				}
			}
		}
	}
	return errors.Join(problems...)
}

// Seed upserts the catalogue into s. Intents already stored with the same
// content are left alone.
func Seed(ctx context.Context, s store.IntentStore, c *Catalog) (*SeedReport, error) {
	report := &SeedReport{}
	for i := range c.Intents {
		it := c.Intents[i]
		existing, err := s.GetIntent(ctx, it.FactoryID, it.Code)
		switch {
		case errs.IsNotFound(err):
			if err := s.UpsertIntent(ctx, &it); err != nil {
				return report, fmt.Errorf("seed intent %s: %w", it.Code, err)
			}
			report.Created = append(report.Created, it.Code)
		case err != nil:
			return report, err
		case Equivalent(existing, &it):
			report.Unchanged = append(report.Unchanged, it.Code)
		default:
			if err := s.UpsertIntent(ctx, &it); err != nil {
				return report, fmt.Errorf("seed intent %s: %w", it.Code, err)
			}
			report.Updated = append(report.Updated, it.Code)
		}
	}
	log.Info().
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("unchanged", len(report.Unchanged)).
		Msg("Intent catalog seeded")
	return report, nil
}

// LoadAndSeed loads the catalogue at path and seeds it. An empty path is a no-op.
func LoadAndSeed(ctx context.Context, s store.IntentStore, path string) (*SeedReport, error) {
	if path == "" {
		return &SeedReport{}, nil
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Seed(ctx, s, c)
}

// Equivalent compares the configured content of two intents, ignoring
// bookkeeping fields and empty-versus-nil lists.
func Equivalent(a, b *models.IntentDefinition) bool {
	return cmp.Equal(a, b,
		cmpopts.IgnoreFields(models.IntentDefinition{}, "Version", "UpdatedAt"),
		cmpopts.EquateEmpty(),
	)
}

func normalize(it *models.IntentDefinition) {
	it.Code = strings.ToUpper(strings.TrimSpace(it.Code))
	it.Name = strings.TrimSpace(it.Name)
	it.Category = models.IntentCategory(strings.ToUpper(string(it.Category)))
	if it.Sensitivity == "" {
		it.Sensitivity = models.SensitivityLow
	}
	it.Sensitivity = models.SensitivityLevel(strings.ToUpper(string(it.Sensitivity)))
	for i := range it.RequiredSlots {
		s := &it.RequiredSlots[i]
		s.Type = models.SlotValueType(strings.ToUpper(string(s.Type)))
	}
	keywords := it.Keywords[:0]
	for _, kw := range it.Keywords {
		if kw = learning.NormalizeKeyword(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	it.Keywords = keywords
}
