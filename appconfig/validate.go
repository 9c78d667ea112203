package appconfig

// Requirement is a piece of infrastructure a deployment relies on.
type Requirement struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

type DeploymentOption struct {
	Description    string   `json:"description"`
	Provisions     []string `json:"provisions"`
	Available      bool     `json:"available"`
	RequiresBundle bool     `json:"requires_bundle,omitempty"`
}

// DeploymentReport says whether a config can be deployed and what it needs.
type DeploymentReport struct {
	Valid             bool                        `json:"valid"`
	Errors            []string                    `json:"errors"`
	Warnings          []string                    `json:"warnings"`
	Requirements      []Requirement               `json:"requirements"`
	AppName           any                         `json:"app_name"`
	EndpointName      any                         `json:"endpoint_name"`
	AgentCount        int                         `json:"agent_count"`
	DeploymentOptions map[string]DeploymentOption `json:"deployment_options"`
}

// ValidateDeployment checks the fields a quick deployment needs. It works on
// the raw document so partially typed configs can still be reported on.
func ValidateDeployment(doc map[string]any) DeploymentReport {
	errs := []string{}
	warnings := []string{}
	requirements := []Requirement{}

	app := asMap(doc["app"])
	if empty(app["name"]) {
		errs = append(errs, "app.name is required")
	}
	if model := asMap(app["registered_model"]); len(model) == 0 {
		errs = append(errs, "app.registered_model is required for deployment")
	} else {
		if empty(model["name"]) {
			errs = append(errs, "app.registered_model.name is required")
		}
		if empty(model["schema"]) {
			errs = append(errs, "app.registered_model.schema is required")
		}
	}
	if empty(app["endpoint_name"]) {
		warnings = append(warnings, "app.endpoint_name not set - will default to app name")
	}

	agentCount := size(doc["agents"])
	if agentCount == 0 {
		errs = append(errs, "At least one agent is required")
	}

	orchestration := asMap(app["orchestration"])
	if empty(orchestration["supervisor"]) && empty(orchestration["swarm"]) {
		errs = append(errs, "Orchestration pattern (supervisor or swarm) is required")
	}

	resources := asMap(doc["resources"])
	if size(resources["llms"]) == 0 {
		warnings = append(warnings, "No LLMs configured in resources")
	}
	for _, r := range []struct{ key, kind, description string }{
		{"vector_stores", "vector_search", "Vector Search endpoints and indexes"},
		{"genie_rooms", "genie", "Genie Rooms"},
		{"databases", "database", "Lakebase/PostgreSQL databases"},
		{"functions", "functions", "Unity Catalog functions"},
	} {
		if n := size(resources[r.key]); n > 0 {
			requirements = append(requirements, Requirement{Type: r.kind, Description: r.description, Count: n})
		}
	}

	valid := len(errs) == 0
	endpoint := app["endpoint_name"]
	if empty(endpoint) {
		endpoint = app["name"]
	}
	return DeploymentReport{
		Valid:        valid,
		Errors:       errs,
		Warnings:     warnings,
		Requirements: requirements,
		AppName:      app["name"],
		EndpointName: endpoint,
		AgentCount:   agentCount,
		DeploymentOptions: map[string]DeploymentOption{
			"quick": {
				Description: "Deploy model and endpoint only (fast, ~2-5 min)",
				Provisions:  []string{"MLflow Model", "Model Serving Endpoint"},
				Available:   valid,
			},
			"full": {
				Description:    "Full pipeline with infrastructure (complete, ~10-30 min)",
				Provisions:     []string{"Data Ingestion", "Vector Search", "Lakebase", "UC Functions", "Model", "Endpoint", "Evaluation"},
				Available:      valid,
				RequiresBundle: true,
			},
		},
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func size(v any) int {
	switch t := v.(type) {
	case map[string]any:
		return len(t)
	case []any:
		return len(t)
	}
	return 0
}
