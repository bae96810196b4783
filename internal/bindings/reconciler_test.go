package bindings

import (
	"testing"
	"time"

	"github.com/keyfleet/keyfleet/internal/models"
	"pgregory.net/rapid"
)

func binding(proxyID, keyID string, priority int, active bool) models.Binding {
	return models.Binding{
		ProxyID:   proxyID,
		KeyID:     keyID,
		Priority:  priority,
		IsActive:  active,
		CreatedAt: time.Now(),
	}
}

func TestClassifyOrphansNoOrphansWhenAllKeysExist(t *testing.T) {
	all := []models.Binding{
		binding("proxy-a", "key-1", 1, true),
		binding("proxy-a", "key-2", 2, true),
		binding("proxy-b", "key-1", 1, true),
	}
	keyIDs := map[string]bool{"key-1": true, "key-2": true}
	healthy := map[string]bool{"key-1": true, "key-2": true}

	if got := classifyOrphans(all, keyIDs, healthy); len(got) != 0 {
		t.Fatalf("expected no orphans, got %d", len(got))
	}
}

func TestClassifyOrphansDeletedWhenNoCandidate(t *testing.T) {
	all := []models.Binding{
		binding("proxy-a", "key-gone", 1, true),
	}
	orphans := classifyOrphans(all, map[string]bool{}, map[string]bool{})
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan, got %d", len(orphans))
	}
	if orphans[0].substitute != "" {
		t.Fatalf("expected deletion, got substitute %q", orphans[0].substitute)
	}
}

func TestClassifyOrphansSameProxyCandidateCollides(t *testing.T) {
	// The only candidate is already bound on the same proxy, so
	// reassignment would duplicate the (proxy, key) pair. Deletion wins.
	all := []models.Binding{
		binding("proxy-a", "key-gone", 2, true),
		binding("proxy-a", "key-live", 1, true),
	}
	keyIDs := map[string]bool{"key-live": true}
	healthy := map[string]bool{"key-live": true}

	orphans := classifyOrphans(all, keyIDs, healthy)
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan, got %d", len(orphans))
	}
	if orphans[0].substitute != "" {
		t.Fatalf("expected deletion on pair collision, got substitute %q", orphans[0].substitute)
	}
}

func TestClassifyOrphansAmbiguousPriorityDeletes(t *testing.T) {
	all := []models.Binding{
		binding("proxy-a", "key-gone", 3, true),
		binding("proxy-a", "key-x", 1, true),
		binding("proxy-a", "key-y", 1, true),
	}
	keyIDs := map[string]bool{"key-x": true, "key-y": true}
	healthy := map[string]bool{"key-x": true, "key-y": true}

	orphans := classifyOrphans(all, keyIDs, healthy)
	if len(orphans) != 1 {
		t.Fatalf("expected 1 orphan, got %d", len(orphans))
	}
	if orphans[0].substitute != "" {
		t.Fatalf("tie in candidate priority must delete, got substitute %q", orphans[0].substitute)
	}
}

func TestClassifyOrphansUnhealthyKeysNeverSubstitute(t *testing.T) {
	all := []models.Binding{
		binding("proxy-a", "key-gone", 2, true),
		binding("proxy-a", "key-sick", 1, true),
	}
	keyIDs := map[string]bool{"key-sick": true}
	healthy := map[string]bool{} // key-sick is need_refresh

	orphans := classifyOrphans(all, keyIDs, healthy)
	if len(orphans) != 1 || orphans[0].substitute != "" {
		t.Fatalf("unhealthy candidate must not substitute: %+v", orphans)
	}
}

func TestClassifyOrphansProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		proxyIDs := []string{"proxy-a", "proxy-b", "proxy-c"}
		allKeys := []string{"key-1", "key-2", "key-3", "key-4", "key-5"}

		keyIDs := map[string]bool{}
		healthy := map[string]bool{}
		for _, k := range allKeys {
			exists := rapid.Bool().Draw(rt, "exists_"+k)
			if exists {
				keyIDs[k] = true
				if rapid.Bool().Draw(rt, "healthy_"+k) {
					healthy[k] = true
				}
			}
		}

		n := rapid.IntRange(0, 12).Draw(rt, "bindings")
		var all []models.Binding
		seen := map[string]bool{}
		for i := 0; i < n; i++ {
			p := rapid.SampledFrom(proxyIDs).Draw(rt, "proxy")
			k := rapid.SampledFrom(allKeys).Draw(rt, "key")
			if seen[p+"\x00"+k] {
				continue
			}
			seen[p+"\x00"+k] = true
			all = append(all, binding(p, k,
				rapid.IntRange(models.MinBindingPriority, models.MaxBindingPriority).Draw(rt, "prio"),
				rapid.Bool().Draw(rt, "active")))
		}

		orphans := classifyOrphans(all, keyIDs, healthy)

		for _, o := range orphans {
			// Only bindings to missing keys are orphans
			if keyIDs[o.binding.KeyID] {
				t.Fatalf("binding to existing key %q classified as orphan", o.binding.KeyID)
			}
			if o.substitute == "" {
				continue
			}
			// A substitute must be an existing healthy key
			if !keyIDs[o.substitute] || !healthy[o.substitute] {
				t.Fatalf("substitute %q is not an existing healthy key", o.substitute)
			}
			// Reassignment must not duplicate an existing pair
			if seen[o.binding.ProxyID+"\x00"+o.substitute] {
				t.Fatalf("substitute %q collides with existing pair on %q", o.substitute, o.binding.ProxyID)
			}
		}

		// Second pass over the healed state finds nothing new
		var healed []models.Binding
		orphaned := map[string]bool{}
		for _, o := range orphans {
			orphaned[o.binding.ProxyID+"\x00"+o.binding.KeyID] = true
		}
		for _, b := range all {
			if !orphaned[b.ProxyID+"\x00"+b.KeyID] {
				healed = append(healed, b)
			}
		}
		for _, o := range orphans {
			if o.substitute != "" {
				b := o.binding
				b.KeyID = o.substitute
				healed = append(healed, b)
			}
		}
		if again := classifyOrphans(healed, keyIDs, healthy); len(again) != 0 {
			t.Fatalf("repair not idempotent: %d orphans on second pass", len(again))
		}
	})
}
