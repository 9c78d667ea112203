package proxy

import "strings"

type scopeRule struct {
	keywords []string
	scopes   []string
}

var scopeRules = []scopeRule{
	{[]string{"/sql/", "/warehouses"}, []string{"sql"}},
	{[]string{"/serving-endpoints", "/endpoints"}, []string{"serving.serving-endpoints"}},
	{[]string{"/vector-search", "/indexes"}, []string{"vectorsearch.vector-search-indexes", "vectorsearch.vector-search-endpoints"}},
	{[]string{"/genie", "/dashboards"}, []string{"dashboards.genie"}},
	{[]string{"/files", "/volumes", "/dbfs"}, []string{"files.files"}},
	{[]string{"/catalog", "/schemas", "/tables", "/functions"}, []string{"sql"}},
	{[]string{"/scim", "/users", "/me"}, []string{"iam.current-user:read"}},
	{[]string{"/clusters"}, []string{"clusters.clusters"}},
	{[]string{"/jobs"}, []string{"jobs.jobs"}},
	{[]string{"/mlflow", "/experiments", "/models", "/registered-models"}, []string{"mlflow.experiments", "mlflow.registered-models"}},
	{[]string{"/workspace"}, []string{"workspace.workspace"}},
}

var defaultScopes = []string{"sql", "serving.serving-endpoints", "files.files"}

// ScopesForPath guesses which OAuth scopes an API path needs. The longest
// matching keyword wins, so "/vector-search/endpoints" maps to vector search
// rather than serving. Ties go to the earlier rule.
func ScopesForPath(path string) []string {
	p := strings.ToLower(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	best, bestLen := -1, 0
	for i, rule := range scopeRules {
		for _, kw := range rule.keywords {
			if len(kw) > bestLen && strings.Contains(p, kw) {
				best, bestLen = i, len(kw)
			}
		}
	}
	src := defaultScopes
	if best >= 0 {
		src = scopeRules[best].scopes
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
