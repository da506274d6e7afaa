package engine

import (
	"context"
	"encoding/json"

	"tracklane/internal/domain"
	"tracklane/internal/repo"
)

// The enabled-scope resolver. Default listings and ranking only see
// enabled projects: active native projects unconditionally, active
// connected projects only when their sync connector is itself active and
// configured with a source path. Explicit per-project lookups bypass this.

type fileSyncConfig struct {
	Path string `json:"path"`
}

func (e Engine) syncConnectorType() string {
	if e.Config != nil && e.Config.Sync.ConnectorType != "" {
		return e.Config.Sync.ConnectorType
	}
	return domain.ConnectorFileSync
}

// EnabledProjectIDs returns the ids of enabled projects in listing order.
func (e Engine) EnabledProjectIDs(ctx context.Context) ([]string, error) {
	projects, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{Status: domain.ProjectActive})
	if err != nil {
		return nil, err
	}
	var connectedIDs []string
	for _, p := range projects {
		if p.ProjectType == domain.ProjectConnected {
			connectedIDs = append(connectedIDs, p.ID)
		}
	}
	syncReady := map[string]bool{}
	if len(connectedIDs) > 0 {
		connectors, err := e.Repo.ListConnectors(ctx, repo.ConnectorFilters{
			ProjectIDs:    connectedIDs,
			ConnectorType: e.syncConnectorType(),
			Status:        domain.ConnectorActive,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range connectors {
			var cfg fileSyncConfig
			if err := json.Unmarshal([]byte(c.ConfigJSON), &cfg); err != nil {
				continue
			}
			if cfg.Path != "" {
				syncReady[c.ProjectID] = true
			}
		}
	}
	var ids []string
	for _, p := range projects {
		if p.ProjectType == domain.ProjectConnected && !syncReady[p.ID] {
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func taskFiltersForRanking(projectIDs []string) repo.TaskFilters {
	return repo.TaskFilters{ProjectIDs: projectIDs, NotStatus: domain.TaskDone}
}

func projectFiltersByIDs(ids []string) repo.ProjectFilters {
	return repo.ProjectFilters{IDs: ids}
}
