package evolution

import (
	"net/url"
	"strings"
)

// Path templates per operation, most specific first. {name} is replaced by
// the escaped instance name.
var (
	createPaths = []string{
		"/instances/create",
		"/instance/create",
	}
	connectPaths = []string{
		"/instances/connect/{name}",
		"/instance/connect/{name}",
	}
	statusPaths = []string{
		"/instance/connectionState/{name}",
		"/instances/connectionState/{name}",
		"/instances/{name}/status",
	}
	listPaths = []string{
		"/instance/fetchInstances",
		"/instances",
	}
	deletePaths = []string{
		"/instance/delete/{name}",
		"/instances/delete/{name}",
		"/instances/{name}",
	}
	logoutPaths = []string{
		"/instance/logout/{name}",
		"/instances/logout/{name}",
	}
	sendTextPaths = []string{
		"/message/sendText/{name}",
		"/messages/sendText/{name}",
	}
	sendMediaPaths = []string{
		"/message/sendMedia/{name}",
		"/messages/sendMedia/{name}",
	}
)

func (c *Client) candidates(templates []string, name string, query url.Values, instanceScoped bool) []Candidate {
	out := make([]Candidate, 0, len(templates))
	for _, tpl := range templates {
		u := c.baseURL + strings.ReplaceAll(tpl, "{name}", url.PathEscape(name))
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		out = append(out, Candidate{URL: u, RequiresInstanceToken: instanceScoped})
	}
	return out
}

// normalizeBaseURL trims whitespace and trailing slashes and checks the
// scheme.
func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", errMissingBaseURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", errMissingBaseURL
	}
	return raw, nil
}

// redact drops the query string, which may carry a phone number.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
