package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// IndexStrategy selects how IndexManager provisions the target index(es),
// per spec §6's `index_type` option.
type IndexStrategy string

const (
	// StrategyAliasManaged rolls documents into a write alias backed by a
	// rotating index managed through an ISM policy.
	StrategyAliasManaged IndexStrategy = "alias_managed"
	// StrategyCustomTemplate applies a user-supplied index template and
	// writes directly to the named index.
	StrategyCustomTemplate IndexStrategy = "custom_template"
	// StrategyPlain writes directly to the named index with no template or
	// alias management.
	StrategyPlain IndexStrategy = "plain"
)

// IndexManagerConfig parameterizes index provisioning.
type IndexManagerConfig struct {
	Strategy      IndexStrategy
	IndexAlias    string // alias name, for StrategyAliasManaged
	TemplateName  string
	TemplateBody  json.RawMessage
	ISMPolicyName string
	ISMPolicyBody json.RawMessage
}

// IndexManager provisions the target index exactly once per sink lifetime,
// per spec §4.4.1. The sink runs it on its first Output, not at pipeline
// start. A provisioning failure is not retried: every Output returns that
// same error and the sink writes nothing.
type IndexManager struct {
	cfg     IndexManagerConfig
	cluster Cluster
	logger  zerolog.Logger
	// ledger, when non-nil, remembers which alias already resolved to
	// which index across process restarts so Ensure can skip the
	// idempotent-but-not-free provisioning network calls entirely.
	ledger *IndexLedger
}

func NewIndexManager(cfg IndexManagerConfig, cluster Cluster, logger zerolog.Logger) *IndexManager {
	return &IndexManager{cfg: cfg, cluster: cluster, logger: logger}
}

// WithLedger attaches a warm-restart ledger. It returns the receiver for
// chaining at construction time.
func (m *IndexManager) WithLedger(ledger *IndexLedger) *IndexManager {
	m.ledger = ledger
	return m
}

// Ensure provisions the index/alias/template/policy according to Strategy
// and returns the index name that bulk operations should target.
func (m *IndexManager) Ensure(ctx context.Context, baseIndexName string) (string, error) {
	ledgerKey := m.cfg.IndexAlias
	if ledgerKey == "" {
		ledgerKey = baseIndexName
	}
	if m.ledger != nil {
		if resolved, ok, err := m.ledger.Lookup(ctx, ledgerKey); err == nil && ok {
			m.logger.Debug().Str("alias", ledgerKey).Str("index", resolved).Msg("index already provisioned per ledger, skipping cluster round trip")
			return resolved, nil
		}
	}

	resolved, err := m.ensure(ctx, baseIndexName)
	if err != nil {
		return "", err
	}
	if m.ledger != nil {
		if err := m.ledger.Record(ctx, ledgerKey, resolved, time.Now()); err != nil {
			m.logger.Warn().Err(err).Msg("failed to record index provisioning in ledger")
		}
	}
	return resolved, nil
}

func (m *IndexManager) ensure(ctx context.Context, baseIndexName string) (string, error) {
	switch m.cfg.Strategy {
	case StrategyAliasManaged:
		return m.ensureAliasManaged(ctx, baseIndexName)
	case StrategyCustomTemplate:
		return baseIndexName, m.ensureCustomTemplate(ctx)
	default:
		if err := m.cluster.EnsureIndex(ctx, baseIndexName); err != nil {
			return "", fmt.Errorf("bulk: index manager: %w", err)
		}
		return baseIndexName, nil
	}
}

func (m *IndexManager) ensureAliasManaged(ctx context.Context, baseIndexName string) (string, error) {
	if m.cfg.ISMPolicyBody != nil {
		if err := m.putISMPolicyTolerant(ctx); err != nil {
			return "", fmt.Errorf("bulk: index manager: install ism policy: %w", err)
		}
	}

	alias := m.cfg.IndexAlias
	if alias == "" {
		alias = baseIndexName
	}
	exists, err := m.cluster.AliasExists(ctx, alias)
	if err != nil {
		return "", fmt.Errorf("bulk: index manager: check alias: %w", err)
	}
	if exists {
		return alias, nil
	}
	writeIndex := baseIndexName + "-000001"
	if err := m.cluster.PutAlias(ctx, alias, writeIndex); err != nil {
		return "", fmt.Errorf("bulk: index manager: create alias: %w", err)
	}
	return alias, nil
}

// putISMPolicyTolerant installs the rollover/retention policy. Per spec
// §9's redesign note, a cluster that rejects the `ism_template` field
// (older OpenSearch versions) is retried once with that field stripped;
// version_conflict/resource_already_exists from a prior install are not
// errors.
func (m *IndexManager) putISMPolicyTolerant(ctx context.Context) error {
	mismatch, err := m.cluster.PutISMPolicy(ctx, m.cfg.ISMPolicyName, m.cfg.ISMPolicyBody)
	if err == nil {
		if mismatch {
			m.logger.Warn().Str("policy", m.cfg.ISMPolicyName).Msg("ism policy already exists, assuming compatible definition")
		}
		return nil
	}

	var withoutTemplate map[string]interface{}
	if jsonErr := json.Unmarshal(m.cfg.ISMPolicyBody, &withoutTemplate); jsonErr == nil {
		if _, has := withoutTemplate["ism_template"]; has {
			delete(withoutTemplate, "ism_template")
			retryBody, marshalErr := json.Marshal(withoutTemplate)
			if marshalErr == nil {
				if _, retryErr := m.cluster.PutISMPolicy(ctx, m.cfg.ISMPolicyName, retryBody); retryErr == nil {
					m.logger.Warn().Str("policy", m.cfg.ISMPolicyName).Msg("cluster rejected ism_template, installed policy without it")
					return nil
				}
			}
		}
	}
	return err
}

func (m *IndexManager) ensureCustomTemplate(ctx context.Context) error {
	exists, err := m.cluster.TemplateExists(ctx, m.cfg.TemplateName)
	if err != nil {
		return fmt.Errorf("check template: %w", err)
	}
	if !exists {
		if err := m.cluster.PutTemplate(ctx, m.cfg.TemplateName, m.cfg.TemplateBody); err != nil {
			return fmt.Errorf("put template: %w", err)
		}
	}
	return nil
}
