package mcp

var recordTypes = []string{"error", "decision", "pattern", "docs", "learning", "context"}

var edgeTypes = []string{"fixes", "causes", "contradicts", "supports", "follows", "related", "supersedes", "similar_to"}

// ToolDefinitions returns the MCP tool definitions for the engram server.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "engram_admit",
			Description: "Store a new record. It must pass the quality gate: enough content, " +
				"tags, and the details required for its type. Rejections list every failed rule.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"type":    {Type: "string", Description: "Record type", Enum: recordTypes},
					"content": {Type: "string", Description: "Standalone description, with the why as well as the what"},
					"details": {Type: "object", Description: "Type-specific details, e.g. errorMessage/solution/prevention/context for errors"},
					"tags": {Type: "array", Description: "Descriptive tags",
						Items: &Items{Type: "string"}},
					"project": {Type: "string", Description: "Project the record belongs to"},
				},
				Required: []string{"type", "content", "tags"},
			},
		},
		{
			Name: "engram_search",
			Description: "Search records with hybrid keyword and semantic ranking. " +
				"Returns fused results plus a query suggestion when typos or synonyms were found.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query": {Type: "string", Description: "Natural language search query"},
					"mode": {Type: "string", Description: "Search mode",
						Enum: []string{"hybrid", "semantic", "keyword"}, Default: "hybrid"},
					"limit":   {Type: "number", Description: "Maximum results (default 10)", Default: 10},
					"project": {Type: "string", Description: "Restrict to one project"},
					"types": {Type: "array", Description: "Restrict to these record types",
						Items: &Items{Type: "string"}},
					"tags": {Type: "array", Description: "Every listed tag must be present",
						Items: &Items{Type: "string"}},
					"useExpanded": {Type: "boolean", Description: "Search with the corrected query instead of only suggesting it"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "engram_get",
			Description: "Retrieve a record by id.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id": {Type: "string", Description: "Record id"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "engram_resolve",
			Description: "Mark an error record as resolved with its solution. Resolution cannot be undone.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":       {Type: "string", Description: "Error record id"},
					"solution": {Type: "string", Description: "What fixed the error"},
				},
				Required: []string{"id", "solution"},
			},
		},
		{
			Name:        "engram_related",
			Description: "Walk the relationship graph from a record and return what is connected to it.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      {Type: "string", Description: "Starting record id"},
					"maxHops": {Type: "number", Description: "Traversal depth (default 2, max 5)", Default: 2},
					"types": {Type: "array", Description: "Only follow these edge types",
						Items: &Items{Type: "string"}},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "engram_link",
			Description: "Add a typed edge between two records, for example a decision that fixes an error.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"sourceId": {Type: "string", Description: "Source record id"},
					"targetId": {Type: "string", Description: "Target record id"},
					"type":     {Type: "string", Description: "Edge type", Enum: edgeTypes},
					"weight":   {Type: "number", Description: "Confidence in [0,1] (default 1)"},
				},
				Required: []string{"sourceId", "targetId", "type"},
			},
		},
	}
}
