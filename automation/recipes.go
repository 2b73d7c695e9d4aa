package automation

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reviewflow/apperrors"
	"reviewflow/models"
)

//go:embed recipes/*.yaml
var recipeFS embed.FS

// Recipe is a ready-made sequence shape. Templates are referenced by slot
// name and bound to real template ids when the recipe is instantiated.
type Recipe struct {
	Key               string       `yaml:"key" json:"key"`
	Name              string       `yaml:"name" json:"name"`
	Description       string       `yaml:"description" json:"description"`
	TriggerEventType  string       `yaml:"trigger_event_type" json:"trigger_event_type"`
	AllowManualEnroll bool         `yaml:"allow_manual_enroll" json:"allow_manual_enroll"`
	QuietHours        *RecipeHours `yaml:"quiet_hours" json:"quiet_hours,omitempty"`
	RatePerHour       *int         `yaml:"rate_per_hour" json:"rate_per_hour,omitempty"`
	RatePerDay        *int         `yaml:"rate_per_day" json:"rate_per_day,omitempty"`
	Steps             []RecipeStep `yaml:"steps" json:"steps"`
}

type RecipeHours struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

type RecipeStep struct {
	Kind     string `yaml:"kind" json:"kind"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	Wait     string `yaml:"wait,omitempty" json:"wait,omitempty"`
}

// TemplateSlots lists the template slot names the recipe needs, in step order.
func (r Recipe) TemplateSlots() []string {
	seen := map[string]bool{}
	var slots []string
	for _, s := range r.Steps {
		if s.Template == "" || seen[s.Template] {
			continue
		}
		seen[s.Template] = true
		slots = append(slots, s.Template)
	}
	return slots
}

func (r Recipe) validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return fmt.Errorf("recipe: key is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("recipe %s: name is required", r.Key)
	}
	if r.TriggerEventType != "" && !models.TriggerEventType(r.TriggerEventType).Valid() {
		return fmt.Errorf("recipe %s: unknown trigger %q", r.Key, r.TriggerEventType)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("recipe %s: no steps", r.Key)
	}
	for i, s := range r.Steps {
		switch models.StepKind(s.Kind) {
		case models.StepSendEmail, models.StepSendSMS:
			if s.Template == "" {
				return fmt.Errorf("recipe %s: step %d needs a template slot", r.Key, i)
			}
		case models.StepWait:
			d, err := time.ParseDuration(s.Wait)
			if err != nil || d <= 0 {
				return fmt.Errorf("recipe %s: step %d has invalid wait %q", r.Key, i, s.Wait)
			}
		default:
			return fmt.Errorf("recipe %s: step %d has unknown kind %q", r.Key, i, s.Kind)
		}
	}
	return nil
}

// ParseRecipeYAML decodes and checks a single recipe document.
func ParseRecipeYAML(data []byte) (Recipe, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Recipe{}, fmt.Errorf("recipe: payload is empty")
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Recipe{}, fmt.Errorf("recipe: decode: %w", err)
	}
	if err := r.validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

// Recipes returns the built-in presets ordered by key.
func Recipes() ([]Recipe, error) {
	entries, err := recipeFS.ReadDir("recipes")
	if err != nil {
		return nil, fmt.Errorf("recipe: read embedded presets: %w", err)
	}
	recipes := make([]Recipe, 0, len(entries))
	for _, entry := range entries {
		data, err := recipeFS.ReadFile(path.Join("recipes", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("recipe: read %s: %w", entry.Name(), err)
		}
		r, err := ParseRecipeYAML(data)
		if err != nil {
			return nil, fmt.Errorf("recipe: %s: %w", entry.Name(), err)
		}
		recipes = append(recipes, r)
	}
	sort.Slice(recipes, func(i, j int) bool { return recipes[i].Key < recipes[j].Key })
	return recipes, nil
}

func FindRecipe(key string) (Recipe, error) {
	recipes, err := Recipes()
	if err != nil {
		return Recipe{}, err
	}
	for _, r := range recipes {
		if r.Key == key {
			return r, nil
		}
	}
	return Recipe{}, apperrors.NewNotFound("recipe", 0)
}

// Input binds template slots and converts the recipe into a create request.
// Every missing slot is reported.
func (r Recipe) Input(templates map[string]uint) (SequenceInput, error) {
	in := SequenceInput{
		Name:              r.Name,
		Description:       r.Description,
		AllowManualEnroll: r.AllowManualEnroll,
		RatePerHour:       r.RatePerHour,
		RatePerDay:        r.RatePerDay,
	}
	if r.TriggerEventType != "" {
		trigger := r.TriggerEventType
		in.TriggerEventType = &trigger
	}
	if r.QuietHours != nil {
		start, end := r.QuietHours.Start, r.QuietHours.End
		in.QuietHoursStart, in.QuietHoursEnd = &start, &end
	}

	var issues []apperrors.ValidationIssue
	for i, s := range r.Steps {
		step := StepInput{Kind: s.Kind}
		if s.Template != "" {
			id, ok := templates[s.Template]
			if !ok || id == 0 {
				issues = append(issues, stepIssue(RuleTemplateRequired, i,
					fmt.Sprintf("template slot %q is not bound", s.Template)))
				continue
			}
			step.TemplateID = &id
		}
		if s.Wait != "" {
			d, _ := time.ParseDuration(s.Wait)
			ms := d.Milliseconds()
			step.WaitMs = &ms
		}
		in.Steps = append(in.Steps, step)
	}
	if len(issues) > 0 {
		return SequenceInput{}, apperrors.NewValidation(issues)
	}
	return in, nil
}

// Instantiate creates a draft sequence from the recipe with the given key.
func (d *Definitions) Instantiate(ctx context.Context, businessID uint, key string, templates map[string]uint) (*models.Sequence, error) {
	r, err := FindRecipe(key)
	if err != nil {
		return nil, err
	}
	in, err := r.Input(templates)
	if err != nil {
		return nil, err
	}
	return d.CreateSequence(ctx, businessID, in)
}
