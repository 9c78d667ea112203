package credential

// OAuthScopes are the user API scopes the app requests at login.
var OAuthScopes = []string{
	"sql",
	"dashboards.genie",
	"files.files",
	"serving.serving-endpoints",
	"vectorsearch.vector-search-indexes",
	"vectorsearch.vector-search-endpoints",
	"offline_access",
}

// ConfiguredScopes returns a copy of OAuthScopes.
func ConfiguredScopes() []string {
	out := make([]string, len(OAuthScopes))
	copy(out, OAuthScopes)
	return out
}
