package app

import "github.com/nidhogg/control-tower/internal/a2a"

// VisionCard is the card published by the vision agent at url.
func VisionCard(url string) a2a.AgentCard {
	return a2a.AgentCard{
		Name:               "Vision Inspection Agent",
		Description:        "Audits physical inventory by counting and identifying items in an image.",
		URL:                url,
		Version:            "1.0.0",
		ProtocolVersion:    "0.3.0",
		PreferredTransport: "JSONRPC",
		DefaultInputModes:  []string{"text", "image/png", "image/jpeg"},
		DefaultOutputModes: []string{"text"},
		Skills: []a2a.AgentSkill{{
			ID:          "audit_inventory",
			Name:        "Audit Inventory via Image",
			Description: "Counts and identifies inventory items in an image.",
			Tags:        []string{"vision", "counting", "audit", "supply-chain"},
			Examples:    []string{"Count the boxes in this warehouse image.", "Analyze this shelf and report item count."},
		}},
	}
}

// SupplierCard is the card published by the supplier agent at url.
func SupplierCard(url string) a2a.AgentCard {
	return a2a.AgentCard{
		Name:               "Acme Supplier Agent",
		Description:        "Autonomous fulfillment for industrial parts. Semantic search over the parts inventory.",
		URL:                url,
		Version:            "1.0.0",
		ProtocolVersion:    "0.3.0",
		PreferredTransport: "JSONRPC",
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills: []a2a.AgentSkill{{
			ID:          "search_inventory",
			Name:        "Search Inventory",
			Description: "Finds the inventory part nearest to a text query or an embedding.",
			Tags:        []string{"database", "inventory", "search"},
			Examples:    []string{`{"query": "industrial widget"}`, "Find a supplier for steel bolts"},
		}},
	}
}

// Card returns the card for key.
func Card(key a2a.AgentKey, url string) a2a.AgentCard {
	if key == a2a.AgentVision {
		return VisionCard(url)
	}
	return SupplierCard(url)
}
