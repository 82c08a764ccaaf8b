package zaptec

import "fmt"

// Shape checks for responses that feed the cache. The vendor adds fields
// freely, so only the fields the bridge depends on are enforced; anything
// extra passes through.

func validateListing(data []map[string]any) error {
	if data == nil {
		return fmt.Errorf("missing Data array")
	}
	for i, item := range data {
		id, ok := item["Id"].(string)
		if !ok || id == "" {
			return fmt.Errorf("entry %d has no Id", i)
		}
	}
	return nil
}

func validateState(entries []stateEntry) error {
	for i, e := range entries {
		if e.StateID == 0 {
			return fmt.Errorf("state entry %d has no StateId", i)
		}
	}
	return nil
}

func (h *hierarchyResponse) validate() error {
	for i, circuit := range h.Circuits {
		if circuit.ID == "" {
			return fmt.Errorf("circuit %d has no Id", i)
		}
		for j, charger := range circuit.Chargers {
			id, ok := charger["Id"].(string)
			if !ok || id == "" {
				return fmt.Errorf("circuit %d charger %d has no Id", i, j)
			}
		}
	}
	return nil
}
