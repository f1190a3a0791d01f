package batch

import (
	"fmt"
	"sort"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

// TemplateParameter is a value substituted into {{name}} placeholders when a
// template is instantiated. Pattern, when set, is a regular expression the
// value must match.
type TemplateParameter struct {
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Pattern     string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// TemplateItem is an Item whose target and parameter values may contain
// placeholders
type TemplateItem struct {
	ItemID         string            `json:"item_id" yaml:"item_id" validate:"required"`
	Operation      Operation         `json:"operation" yaml:"operation" validate:"required,oneof=start stop restart restart_zero_downtime scale"`
	TargetTemplate string            `json:"target_template" yaml:"target_template" validate:"required"`
	Priority       int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	Parameters     map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Retry          *RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Rollback       *RollbackConfig   `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

type Template struct {
	TemplateID  string              `json:"template_id" yaml:"template_id" validate:"required"`
	Name        string              `json:"name" yaml:"name" validate:"required"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []TemplateParameter `json:"parameters,omitempty" yaml:"parameters,omitempty" validate:"dive"`
	Items       []TemplateItem      `json:"items" yaml:"items" validate:"required,min=1,dive"`
	Strategy    Strategy            `json:"strategy" yaml:"strategy"`
	Timeout     time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	CreatedAt   time.Time           `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

func (c *Coordinator) ValidateTemplate(template Template) error {
	if err := c.validate.Struct(template); err != nil {
		return errors.NewValidationError("invalid batch template", err).WithContext("template_id", template.TemplateID)
	}

	declared := make(map[string]bool, len(template.Parameters))
	for _, param := range template.Parameters {
		if declared[param.Name] {
			return errors.NewValidationError("duplicate template parameter", nil).
				WithContext("template_id", template.TemplateID).WithContext("parameter", param.Name)
		}
		declared[param.Name] = true
		if param.Pattern != "" {
			if _, err := rules.Compare(param.Default, rules.OperatorMatches, param.Pattern); err != nil {
				return errors.NewValidationError("invalid template parameter pattern", err).
					WithContext("template_id", template.TemplateID).WithContext("parameter", param.Name)
			}
		}
	}

	for _, item := range template.Items {
		texts := []string{item.TargetTemplate}
		for _, value := range item.Parameters {
			texts = append(texts, value)
		}
		for _, text := range texts {
			for _, name := range rules.Placeholders(text) {
				if !declared[name] {
					return errors.NewValidationError(fmt.Sprintf("template references undeclared parameter %s", name), nil).
						WithContext("template_id", template.TemplateID).WithContext("item_id", item.ItemID)
				}
			}
		}
	}
	return nil
}

// CreateTemplate stores a reusable batch definition
func (c *Coordinator) CreateTemplate(template Template) error {
	if err := c.ValidateTemplate(template); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, exists := c.templates[template.TemplateID]; exists {
		return errors.NewConflictError("batch template already exists", nil).WithContext("template_id", template.TemplateID)
	}
	if template.CreatedAt.IsZero() {
		template.CreatedAt = time.Now()
	}
	c.templates[template.TemplateID] = template
	c.logger.Infof("Batch template created, id: %s, items: %d", template.TemplateID, len(template.Items))
	return nil
}

func (c *Coordinator) GetTemplate(templateID string) (Template, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	template, exists := c.templates[templateID]
	if !exists {
		return Template{}, errors.NewNotFoundError("batch template not found", nil).WithContext("template_id", templateID)
	}
	return template, nil
}

// ListTemplates returns templates sorted by ID
func (c *Coordinator) ListTemplates() []Template {
	c.mutex.RLock()
	templates := make([]Template, 0, len(c.templates))
	for _, template := range c.templates {
		templates = append(templates, template)
	}
	c.mutex.RUnlock()

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].TemplateID < templates[j].TemplateID
	})
	return templates
}

func (c *Coordinator) RemoveTemplate(templateID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, exists := c.templates[templateID]; !exists {
		return errors.NewNotFoundError("batch template not found", nil).WithContext("template_id", templateID)
	}
	delete(c.templates, templateID)
	return nil
}

// InstantiateTemplate creates a batch from a template, substituting params
// and parameter defaults, and returns the new batch ID.
func (c *Coordinator) InstantiateTemplate(templateID, name string, params map[string]string) (string, error) {
	template, err := c.GetTemplate(templateID)
	if err != nil {
		return "", err
	}

	values, err := templateValues(template, params)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = template.Name
	}
	batch := Batch{
		Name:        name,
		Description: template.Description,
		Strategy:    template.Strategy,
		Timeout:     template.Timeout,
		Items:       make([]Item, 0, len(template.Items)),
	}
	for _, ti := range template.Items {
		target, err := rules.Expand(ti.TargetTemplate, values)
		if err != nil {
			return "", err
		}
		item := Item{
			ItemID:       ti.ItemID,
			Operation:    ti.Operation,
			Target:       target,
			Priority:     ti.Priority,
			Dependencies: append([]string(nil), ti.Dependencies...),
			Timeout:      ti.Timeout,
			Retry:        ti.Retry,
			Rollback:     ti.Rollback,
		}
		if len(ti.Parameters) > 0 {
			item.Parameters = make(map[string]string, len(ti.Parameters))
			for key, value := range ti.Parameters {
				expanded, err := rules.Expand(value, values)
				if err != nil {
					return "", err
				}
				item.Parameters[key] = expanded
			}
		}
		batch.Items = append(batch.Items, item)
	}

	batchID, err := c.CreateBatch(batch)
	if err != nil {
		return "", err
	}
	c.logger.Infof("Batch instantiated from template, template: %s, batch: %s", templateID, batchID)
	return batchID, nil
}

func templateValues(template Template, params map[string]string) (map[string]string, error) {
	declared := make(map[string]TemplateParameter, len(template.Parameters))
	for _, param := range template.Parameters {
		declared[param.Name] = param
	}
	for name := range params {
		if _, ok := declared[name]; !ok {
			return nil, errors.NewValidationError("unknown template parameter", nil).
				WithContext("template_id", template.TemplateID).WithContext("parameter", name)
		}
	}

	values := make(map[string]string, len(declared))
	for name, param := range declared {
		value, ok := params[name]
		if !ok || value == "" {
			value = param.Default
		}
		if value == "" {
			if param.Required {
				return nil, errors.NewValidationError("missing required template parameter", nil).
					WithContext("template_id", template.TemplateID).WithContext("parameter", name)
			}
			continue
		}
		if param.Pattern != "" {
			matched, err := rules.Compare(value, rules.OperatorMatches, param.Pattern)
			if err != nil || !matched {
				return nil, errors.NewValidationError("template parameter does not match pattern", err).
					WithContext("template_id", template.TemplateID).WithContext("parameter", name).
					WithContext("pattern", param.Pattern)
			}
		}
		values[name] = value
	}
	return values, nil
}
