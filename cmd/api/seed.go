package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"contact-center/internal/config"
	"contact-center/internal/ivr"
	"contact-center/internal/routing"
)

type ruleWriter interface {
	Put(ctx context.Context, r routing.Rule) error
}

// seed loads routing rules and IVR flows from the configured files. Rules are
// upserted by id; a flow is published only when its definition changed, so
// restarts do not mint new versions.
func seed(ctx context.Context, log *slog.Logger, cfg config.EngineConfig, rules ruleWriter, mgr *ivr.Manager) error {
	if cfg.RoutingRulesFile != "" {
		rs, err := routing.LoadRulesFile(cfg.RoutingRulesFile)
		if err != nil {
			return fmt.Errorf("rules %s: %w", cfg.RoutingRulesFile, err)
		}
		for _, r := range rs {
			if err := rules.Put(ctx, r); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
		log.Info("routing rules loaded", "file", cfg.RoutingRulesFile, "count", len(rs))
	}

	if cfg.IVRFlowsDir == "" {
		return nil
	}
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(cfg.IVRFlowsDir, pattern))
		if err != nil {
			return err
		}
		files = append(files, m...)
	}
	sort.Strings(files)
	for _, path := range files {
		f, err := ivr.LoadFlowFile(path)
		if err != nil {
			return fmt.Errorf("flow %s: %w", path, err)
		}
		latest, err := mgr.Latest(ctx, f.ID)
		switch {
		case err == nil && sameDefinition(latest, f):
			log.Debug("ivr flow unchanged", "flow_id", f.ID, "version", latest.Version)
			continue
		case err != nil && !errors.Is(err, ivr.ErrFlowNotFound):
			return fmt.Errorf("flow %s: %w", f.ID, err)
		}
		published, err := mgr.Publish(ctx, f)
		if err != nil {
			return fmt.Errorf("flow %s: %w", path, err)
		}
		log.Info("ivr flow published", "flow_id", published.ID, "version", published.Version, "file", path)
	}
	return nil
}

func sameDefinition(a, b ivr.Flow) bool {
	type def struct {
		Name  string     `json:"name"`
		Nodes []ivr.Node `json:"nodes"`
		Edges []ivr.Edge `json:"edges"`
	}
	ra, errA := json.Marshal(def{a.Name, a.Nodes, a.Edges})
	rb, errB := json.Marshal(def{b.Name, b.Nodes, b.Edges})
	return errA == nil && errB == nil && string(ra) == string(rb)
}
