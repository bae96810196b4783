package bindings

import (
	"context"
	"fmt"
	"sort"

	"github.com/keyfleet/keyfleet/internal/logging"
	"github.com/keyfleet/keyfleet/internal/models"
	"github.com/keyfleet/keyfleet/internal/monitoring"
)

// RepairResult reports one reconciliation pass over the binding table
type RepairResult struct {
	Checked  int `json:"checked"`
	Repaired int `json:"repaired"`
	Deleted  int `json:"deleted"`
}

// orphan is a binding whose key no longer exists, paired with the substitute
// key it can be reassigned to (empty when it must be deleted)
type orphan struct {
	binding    models.Binding
	substitute string
}

// Repair walks the binding table, classifies every binding whose key id no
// longer resolves, and heals each orphan: reassign to a substitute key when
// the strategy names one unambiguously, delete otherwise. Running it twice
// with no intervening mutation is a no-op on the second pass.
func (s *Service) Repair(ctx context.Context, trigger string) (*RepairResult, error) {
	all, err := s.fetchAllBindings(ctx)
	if err != nil {
		return nil, err
	}

	keyIDs, healthy, err := s.fetchKeySets(ctx)
	if err != nil {
		return nil, err
	}

	orphans := classifyOrphans(all, keyIDs, healthy)

	result := &RepairResult{Checked: len(all)}
	for _, o := range orphans {
		if o.substitute != "" {
			_, err := s.db.Exec(ctx, `
				UPDATE proxy_bindings SET key_id = $1
				WHERE proxy_id = $2 AND key_id = $3
			`, o.substitute, o.binding.ProxyID, o.binding.KeyID)
			if err != nil {
				return nil, fmt.Errorf("failed to reassign orphaned binding: %w", err)
			}
			result.Repaired++
			continue
		}

		_, err := s.db.Exec(ctx, `
			DELETE FROM proxy_bindings WHERE proxy_id = $1 AND key_id = $2
		`, o.binding.ProxyID, o.binding.KeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to delete orphaned binding: %w", err)
		}
		result.Deleted++
	}

	if result.Repaired > 0 || result.Deleted > 0 {
		logging.LogRepair(result.Checked, result.Repaired, result.Deleted, trigger)
	}
	monitoring.RecordRepairRun(trigger, result.Repaired, result.Deleted)

	return result, nil
}

// classifyOrphans partitions bindings into orphans, choosing a substitute
// for each. The substitute is the most preferred (lowest priority number)
// healthy key bound on the same proxy; when that choice is ambiguous, would
// collide with an existing (proxy, key) pair, or no candidate exists, the
// orphan is marked for deletion.
func classifyOrphans(all []models.Binding, keyIDs map[string]bool, healthy map[string]bool) []orphan {
	// Existing pairs, for uniqueness checks on reassignment
	pairs := make(map[string]bool, len(all))
	for _, b := range all {
		pairs[b.ProxyID+"\x00"+b.KeyID] = true
	}

	// Healthy, non-orphaned candidates per proxy, sorted by priority
	candidates := make(map[string][]models.Binding)
	for _, b := range all {
		if keyIDs[b.KeyID] && healthy[b.KeyID] && b.IsActive {
			candidates[b.ProxyID] = append(candidates[b.ProxyID], b)
		}
	}
	for proxyID := range candidates {
		sort.Slice(candidates[proxyID], func(i, j int) bool {
			return candidates[proxyID][i].Priority < candidates[proxyID][j].Priority
		})
	}

	var out []orphan
	for _, b := range all {
		if keyIDs[b.KeyID] {
			continue
		}
		out = append(out, orphan{
			binding:    b,
			substitute: selectSubstitute(b, candidates[b.ProxyID], pairs),
		})
	}
	return out
}

// selectSubstitute names the key an orphan can be reassigned to, or "" when
// none is unambiguous. Deletion is the safe default.
func selectSubstitute(o models.Binding, candidates []models.Binding, pairs map[string]bool) string {
	if len(candidates) == 0 {
		return ""
	}
	best := candidates[0]
	if len(candidates) > 1 && candidates[1].Priority == best.Priority {
		// Two equally preferred keys: ambiguous
		return ""
	}
	if pairs[o.ProxyID+"\x00"+best.KeyID] {
		// Reassignment would duplicate an existing pair
		return ""
	}
	return best.KeyID
}

func (s *Service) fetchAllBindings(ctx context.Context) ([]models.Binding, error) {
	rows, err := s.db.Query(ctx, `
		SELECT proxy_id, key_id, priority, is_active, created_at
		FROM proxy_bindings
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bindings: %w", err)
	}
	defer rows.Close()

	var all []models.Binding
	for rows.Next() {
		var b models.Binding
		if err := rows.Scan(&b.ProxyID, &b.KeyID, &b.Priority, &b.IsActive, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		all = append(all, b)
	}
	return all, rows.Err()
}

func (s *Service) fetchKeySets(ctx context.Context) (map[string]bool, map[string]bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, status FROM api_keys
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch key ids: %w", err)
	}
	defer rows.Close()

	keyIDs := make(map[string]bool)
	healthy := make(map[string]bool)
	for rows.Next() {
		var id string
		var status models.KeyStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, nil, fmt.Errorf("failed to scan key id: %w", err)
		}
		keyIDs[id] = true
		if status == models.KeyStatusHealthy {
			healthy[id] = true
		}
	}
	return keyIDs, healthy, rows.Err()
}
