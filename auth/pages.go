package auth

import (
	"html/template"
	"net/http"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; padding: 40px; text-align: center;">
    <h1>{{.Heading}}</h1>
{{- range .Lines}}
    <p>{{.}}</p>
{{- end}}
    <p><a href="/" style="color: #0066cc;">{{.Link}}</a></p>
{{- if .Note}}
    <p style="color: #666; font-size: 12px; margin-top: 40px;">{{.Note}}</p>
{{- end}}
</body>
</html>
`))

// Page is a small HTML error page shown when the OAuth callback cannot
// complete.
type Page struct {
	Title   string
	Heading string
	Lines   []string
	Link    string
	Note    string
}

var (
	SessionExpiredPage = Page{
		Title:   "Session Error",
		Heading: "Session Expired",
		Lines: []string{
			"Your session has expired or cookies are not enabled.",
			"Please ensure cookies are enabled in your browser and try again.",
		},
		Link: "Return to Application",
		Note: "If you're using incognito mode, make sure third-party cookies are allowed.",
	}
	StateMismatchPage = Page{
		Title:   "Security Error",
		Heading: "Security Verification Failed",
		Lines:   []string{"The OAuth state parameter does not match. This could be a security issue."},
		Link:    "Please try logging in again",
	}
	HostExpiredPage = Page{
		Title:   "Session Error",
		Heading: "Session Expired",
		Lines:   []string{"The OAuth session has expired. Please try logging in again."},
		Link:    "Return to Application",
	}
)

// ProviderErrorPage reports an error returned by the authorization server.
func ProviderErrorPage(code, description string) Page {
	if description == "" {
		description = "Unknown error"
	}
	return Page{
		Title:   "Authentication Error",
		Heading: "Authentication Error",
		Lines:   []string{code, description},
		Link:    "Return to Application",
	}
}

// Write renders p with status.
func (p Page) Write(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = pageTemplate.Execute(w, p)
}
