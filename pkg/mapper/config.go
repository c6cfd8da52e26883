package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unsgate/unsgate/pkg/codec"
	"github.com/unsgate/unsgate/pkg/models"
	"github.com/unsgate/unsgate/pkg/store"
	"github.com/unsgate/unsgate/pkg/topic"
)

// snapshot is one immutable compiled view of the mapper configuration.
// Readers load it atomically; writers build a new one and swap.
type snapshot struct {
	config *models.MapperConfig
	// rules indexes the active version by exact source topic.
	rules map[string]models.MapperRule
}

func newSnapshot(cfg *models.MapperConfig) *snapshot {
	s := &snapshot{config: cfg, rules: make(map[string]models.MapperRule)}
	if active := cfg.ActiveVersion(); active != nil {
		for _, rule := range active.Rules {
			s.rules[rule.SourceTopic] = rule
		}
	}
	return s
}

// cloneConfig deep-copies a config document so snapshots never share
// mutable state with callers.
func cloneConfig(cfg *models.MapperConfig) (*models.MapperConfig, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to clone mapper config: %w", err)
	}
	var out models.MapperConfig
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to clone mapper config: %w", err)
	}
	return &out, nil
}

// validateAndNormalize checks a submitted config document and applies the
// idempotent normalisation: rules without targets are pruned, missing
// target IDs are assigned. The input is mutated in place.
func validateAndNormalize(cfg *models.MapperConfig) error {
	if cfg == nil || len(cfg.Versions) == 0 {
		return store.NewValidationError("versions", "at least one version is required")
	}

	versionIDs := make(map[string]bool, len(cfg.Versions))
	for vi := range cfg.Versions {
		v := &cfg.Versions[vi]
		if v.ID == "" {
			return store.NewValidationError("versions.id", "required")
		}
		if versionIDs[v.ID] {
			return store.NewValidationError("versions.id", fmt.Sprintf("duplicate version id %q", v.ID))
		}
		versionIDs[v.ID] = true
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		if err := normalizeVersion(v); err != nil {
			return err
		}
	}

	if cfg.ActiveVersionID == "" {
		return store.NewValidationError("active_version_id", "required")
	}
	if !versionIDs[cfg.ActiveVersionID] {
		return store.NewValidationError("active_version_id",
			fmt.Sprintf("version %q does not exist", cfg.ActiveVersionID))
	}
	return nil
}

func normalizeVersion(v *models.MapperVersion) error {
	sources := make(map[string]bool, len(v.Rules))
	targetIDs := make(map[string]bool)

	kept := v.Rules[:0]
	for ri := range v.Rules {
		rule := &v.Rules[ri]
		if rule.SourceTopic == "" {
			return store.NewValidationError("source_topic", "required")
		}
		if strings.ContainsAny(rule.SourceTopic, "+#") {
			return store.NewValidationError("source_topic",
				fmt.Sprintf("%q: wildcards are not allowed in rule sources", rule.SourceTopic))
		}
		if sources[rule.SourceTopic] {
			return store.NewValidationError("source_topic",
				fmt.Sprintf("duplicate rule for source topic %q", rule.SourceTopic))
		}
		sources[rule.SourceTopic] = true

		for ti := range rule.Targets {
			if err := normalizeTarget(rule, &rule.Targets[ti], targetIDs); err != nil {
				return err
			}
		}

		// Empty rules are pruned on save, never persisted.
		if len(rule.Targets) > 0 {
			kept = append(kept, *rule)
		}
	}
	v.Rules = kept
	return nil
}

func normalizeTarget(rule *models.MapperRule, t *models.MapperTarget, targetIDs map[string]bool) error {
	if t.ID == "" {
		t.ID = "tgt_" + uuid.NewString()
	}
	if targetIDs[t.ID] {
		return store.NewValidationError("targets.id", fmt.Sprintf("duplicate target id %q", t.ID))
	}
	targetIDs[t.ID] = true

	if t.OutputTopic == "" {
		return store.NewValidationError("output_topic", "required")
	}
	if strings.ContainsAny(t.OutputTopic, "+#") {
		return store.NewValidationError("output_topic",
			fmt.Sprintf("%q: wildcards are not allowed in output topics", t.OutputTopic))
	}
	if _, err := topic.Compile(t.OutputTopic); err != nil {
		return store.NewValidationError("output_topic", err.Error())
	}
	if codec.IsSparkplugTopic(rule.SourceTopic) && codec.IsSparkplugTopic(t.OutputTopic) {
		return store.NewValidationError("output_topic",
			fmt.Sprintf("rule %q: Sparkplug-B sources must not republish into the spBv1.0 namespace", rule.SourceTopic))
	}
	if strings.TrimSpace(t.Code) == "" {
		return store.NewValidationError("code", fmt.Sprintf("target %q: required", t.ID))
	}
	return nil
}

// enforceVersionCap drops the oldest saved versions beyond the cap. The
// active version is always kept.
func enforceVersionCap(cfg *models.MapperConfig, maxVersions int) {
	if maxVersions < 1 || len(cfg.Versions) <= maxVersions {
		return
	}
	// Versions are kept in submission order (oldest first); walk from the
	// front, skipping the active one.
	excess := len(cfg.Versions) - maxVersions
	kept := make([]models.MapperVersion, 0, maxVersions)
	for _, v := range cfg.Versions {
		if excess > 0 && v.ID != cfg.ActiveVersionID {
			excess--
			continue
		}
		kept = append(kept, v)
	}
	cfg.Versions = kept
}

// defaultConfig is the empty configuration created on first start.
func defaultConfig() *models.MapperConfig {
	return &models.MapperConfig{
		ActiveVersionID: "v_1",
		Versions: []models.MapperVersion{{
			ID:        "v_1",
			Name:      "default",
			CreatedAt: time.Now().UTC(),
			Rules:     []models.MapperRule{},
		}},
	}
}
