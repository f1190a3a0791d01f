package manager

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/automation"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/batch"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
)

// BundleVersion is the only bundle format this build reads and writes
const BundleVersion = 1

// Bundle is the portable form of the lifecycle configuration: policies,
// automation rules and batch templates
type Bundle struct {
	Version    int               `yaml:"version" json:"version" validate:"required"`
	ExportedAt time.Time         `yaml:"exported_at,omitempty" json:"exported_at,omitempty"`
	Policies   []policy.Policy   `yaml:"policies,omitempty" json:"policies,omitempty" validate:"dive"`
	Rules      []automation.Rule `yaml:"rules,omitempty" json:"rules,omitempty" validate:"dive"`
	Templates  []batch.Template  `yaml:"templates,omitempty" json:"templates,omitempty" validate:"dive"`
}

// ImportResult counts what an import added and replaced
type ImportResult struct {
	PoliciesAdded    int `json:"policies_added"`
	PoliciesUpdated  int `json:"policies_updated"`
	RulesAdded       int `json:"rules_added"`
	RulesUpdated     int `json:"rules_updated"`
	TemplatesAdded   int `json:"templates_added"`
	TemplatesUpdated int `json:"templates_updated"`
}

var bundleValidator = validator.New()

// ValidateBundle checks the version, field constraints and ID uniqueness
func ValidateBundle(bundle Bundle) error {
	if bundle.Version != BundleVersion {
		return errors.NewValidationError(fmt.Sprintf("unsupported bundle version: %d", bundle.Version), nil).
			WithContext("supported_version", BundleVersion)
	}
	if err := bundleValidator.Struct(bundle); err != nil {
		return errors.NewValidationError("invalid configuration bundle", err)
	}

	if err := uniqueIDs("policy", len(bundle.Policies), func(i int) string { return bundle.Policies[i].ID }); err != nil {
		return err
	}
	if err := uniqueIDs("rule", len(bundle.Rules), func(i int) string { return bundle.Rules[i].ID }); err != nil {
		return err
	}
	return uniqueIDs("template", len(bundle.Templates), func(i int) string { return bundle.Templates[i].TemplateID })
}

func uniqueIDs(kind string, n int, id func(int) string) error {
	seen := make(map[string]int, n)
	for i := 0; i < n; i++ {
		if prev, exists := seen[id(i)]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate %s ID '%s' found at indices %d and %d", kind, id(i), prev, i),
				nil,
			)
		}
		seen[id(i)] = i
	}
	return nil
}

// ParseBundle decodes and validates a YAML bundle
func ParseBundle(data []byte) (Bundle, error) {
	var bundle Bundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, errors.NewValidationError("failed to parse configuration bundle", err)
	}
	if err := ValidateBundle(bundle); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

// ExportConfiguration renders the current policies, rules and templates as a
// YAML bundle
func (s *Service) ExportConfiguration() ([]byte, error) {
	bundle := Bundle{
		Version:    BundleVersion,
		ExportedAt: time.Now().UTC(),
		Policies:   s.policies.ListPolicies(),
		Rules:      s.automation.ListRules(),
		Templates:  s.batches.ListTemplates(),
	}
	data, err := yaml.Marshal(bundle)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode configuration bundle", err)
	}
	s.logger.Infof("Configuration exported, policies: %d, rules: %d, templates: %d",
		len(bundle.Policies), len(bundle.Rules), len(bundle.Templates))
	return data, nil
}

// ImportConfiguration merges a YAML bundle into the running configuration.
// Entries with an existing ID replace it. Nothing is applied unless every
// entry validates.
func (s *Service) ImportConfiguration(data []byte) (ImportResult, error) {
	if err := s.ensureRunning("import_configuration"); err != nil {
		return ImportResult{}, err
	}
	bundle, err := ParseBundle(data)
	if err != nil {
		return ImportResult{}, err
	}
	return s.applyBundle(bundle)
}

func (s *Service) applyBundle(bundle Bundle) (ImportResult, error) {
	for _, p := range bundle.Policies {
		if err := s.policies.ValidatePolicy(p); err != nil {
			return ImportResult{}, err
		}
	}
	for _, rule := range bundle.Rules {
		if err := s.automation.ValidateRule(rule); err != nil {
			return ImportResult{}, err
		}
	}
	for _, template := range bundle.Templates {
		if err := s.batches.ValidateTemplate(template); err != nil {
			return ImportResult{}, err
		}
	}

	s.configMutex.Lock()
	defer s.configMutex.Unlock()

	var result ImportResult
	collection := errors.NewErrorCollection()

	for _, p := range bundle.Policies {
		if _, err := s.policies.GetPolicy(p.ID); err == nil {
			if err := s.policies.UpdatePolicy(p); err != nil {
				collection.Add(err)
				continue
			}
			result.PoliciesUpdated++
			continue
		}
		if err := s.policies.AddPolicy(p); err != nil {
			collection.Add(err)
			continue
		}
		result.PoliciesAdded++
	}

	for _, rule := range bundle.Rules {
		if _, err := s.automation.GetRule(rule.ID); err == nil {
			if err := s.automation.UpdateRule(rule); err != nil {
				collection.Add(err)
				continue
			}
			result.RulesUpdated++
			continue
		}
		if err := s.automation.AddRule(rule); err != nil {
			collection.Add(err)
			continue
		}
		result.RulesAdded++
	}

	for _, template := range bundle.Templates {
		updated := false
		if _, err := s.batches.GetTemplate(template.TemplateID); err == nil {
			if err := s.batches.RemoveTemplate(template.TemplateID); err != nil {
				collection.Add(err)
				continue
			}
			updated = true
		}
		if err := s.batches.CreateTemplate(template); err != nil {
			collection.Add(err)
			continue
		}
		if updated {
			result.TemplatesUpdated++
		} else {
			result.TemplatesAdded++
		}
	}

	s.logger.Infof("Configuration imported, policies: +%d/~%d, rules: +%d/~%d, templates: +%d/~%d",
		result.PoliciesAdded, result.PoliciesUpdated, result.RulesAdded, result.RulesUpdated,
		result.TemplatesAdded, result.TemplatesUpdated)
	return result, collection.ToError()
}
