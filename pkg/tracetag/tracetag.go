// Package tracetag builds the session trace tag applied to warehouse
// connections before each tool invocation. The tag is a semicolon-delimited
// list of KEY=value pairs carrying request identity and correlation data so
// warehouse-side monitoring can attribute every query to its originating
// tool call.
package tracetag

import "strings"

// authHashLen is how many characters of the credential hash are exposed in
// the tag. Enough to correlate, not enough to replay.
const authHashLen = 12

// Fields holds the values that may appear in a trace tag. Empty fields are
// omitted from the output.
type Fields struct {
	Application string
	Profile     string
	ProcessID   string
	ToolName    string
	RequestID   string
	SessionID   string
	Tenant      string
	ClientIP    string
	UserAgent   string
	AuthScheme  string
	AuthHash    string
	ProxyUser   string
}

// Sanitize makes a value safe for embedding in a trace tag. Semicolons are
// the pair delimiter so they become underscores, single quotes are doubled
// for the SQL string literal the tag travels in, and surrounding whitespace
// is dropped.
func Sanitize(value string) string {
	v := strings.ReplaceAll(value, ";", "_")
	v = strings.ReplaceAll(v, "'", "''")
	return strings.TrimSpace(v)
}

// Build renders the trace tag. Pair order is fixed so tags are comparable
// across requests in warehouse query logs.
func Build(f Fields) string {
	hash := f.AuthHash
	if len(hash) > authHashLen {
		hash = hash[:authHashLen]
	}

	pairs := []struct {
		key   string
		value string
	}{
		{"APPLICATION", f.Application},
		{"PROFILE", f.Profile},
		{"PROCESS_ID", f.ProcessID},
		{"TOOL_NAME", f.ToolName},
		{"REQUEST_ID", f.RequestID},
		{"SESSION_ID", f.SessionID},
		{"TENANT", f.Tenant},
		{"CLIENT_IP", f.ClientIP},
		{"USER_AGENT", f.UserAgent},
		{"AUTH_SCHEME", f.AuthScheme},
		{"AUTH_HASH", hash},
		{"PROXYUSER", f.ProxyUser},
	}

	var b strings.Builder
	for _, p := range pairs {
		v := Sanitize(p.value)
		if v == "" {
			continue
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte(';')
	}
	return b.String()
}
