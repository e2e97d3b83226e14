package config

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/rules"
)

// Contexts bundles the resolved main context with the per-site contexts
// built from one configuration epoch.
type Contexts struct {
	Main  *rules.Context
	Sites map[string]*rules.Context
}

// Context returns the rule context serving a site, falling back to the
// main context for unknown or empty site ids.
func (c *Contexts) Context(siteID string) *rules.Context {
	if siteID != "" {
		if sc, ok := c.Sites[siteID]; ok {
			return sc
		}
	}
	return c.Main
}

// BuildContexts loads every configured rule file and resolves the main and
// site contexts. The main context closes before any site context so sites
// inherit its final rule set.
func BuildContexts(cfg *Config, reg *rules.Registries, logger *zap.Logger) (*Contexts, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	main := rules.NewMainContext(reg, logger)
	for _, rf := range cfg.RuleFiles {
		if err := applyFile(main, cfg.ResolvePath(rf), logger); err != nil {
			return nil, err
		}
	}
	if err := main.Close(); err != nil {
		return nil, fmt.Errorf("resolve main context: %w", err)
	}

	bundle := &Contexts{Main: main, Sites: make(map[string]*rules.Context, len(cfg.Sites))}
	for _, site := range cfg.Sites {
		sc, err := rules.NewSiteContext(main, site.ID)
		if err != nil {
			return nil, err
		}
		for _, rf := range site.RuleFiles {
			if err := applyFile(sc, cfg.ResolvePath(rf), logger); err != nil {
				return nil, err
			}
		}
		if err := sc.Close(); err != nil {
			return nil, fmt.Errorf("resolve site %s: %w", site.ID, err)
		}
		bundle.Sites[site.ID] = sc
	}
	return bundle, nil
}

func applyFile(ctx *rules.Context, path string, logger *zap.Logger) error {
	rf, err := LoadRuleFile(path)
	if err != nil {
		return err
	}
	return applyRuleFile(ctx, rf, path, logger)
}
