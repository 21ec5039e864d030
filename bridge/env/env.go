// Package env builds the CGI-style environment handed to bridged processes.
package env

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

const (
	// GatewayInterface is the value of GATEWAY_INTERFACE.
	GatewayInterface = "wsbridge-CGI/0.1"
	// Unset is the value given to standard variables that have no value for a request.
	Unset = "<unset>"
)

// StandardNames are the variables present in every Env, in the order they are emitted.
var StandardNames = []string{
	"REMOTE_ADDR",
	"REMOTE_HOST",
	"REMOTE_PORT",
	"SERVER_NAME",
	"SERVER_PORT",
	"SERVER_PROTOCOL",
	"SERVER_SOFTWARE",
	"GATEWAY_INTERFACE",
	"REQUEST_METHOD",
	"SCRIPT_NAME",
	"PATH_INFO",
	"PATH_TRANSLATED",
	"QUERY_STRING",
	"UNIQUE_ID",
	"REQUEST_URI",
}

var (
	headerNewlineToSpace   = strings.NewReplacer("\n", " ", "\r", " ")
	headerDashToUnderscore = strings.NewReplacer("-", "_")
)

// Env is an immutable mapping of variable names to values.
// The zero value is an empty mapping.
type Env struct {
	names  []string
	values map[string]string
}

// Get returns the value of the named variable.
func (e Env) Get(name string) (string, bool) {
	v, ok := e.values[name]
	return v, ok
}

// Len returns the number of variables.
func (e Env) Len() int { return len(e.names) }

// Names returns a copy of the variable names in emission order.
func (e Env) Names() []string {
	return append([]string(nil), e.names...)
}

// Environ renders the mapping as "NAME=value" pairs suitable for exec.Cmd.Env.
func (e Env) Environ() []string {
	out := make([]string, 0, len(e.names))
	for _, n := range e.names {
		out = append(out, n+"="+e.values[n])
	}
	return out
}

type builder struct {
	names  []string
	values map[string]string
}

func (b *builder) set(name, value string) {
	if _, ok := b.values[name]; !ok {
		b.names = append(b.names, name)
	}
	b.values[name] = value
}

// join appends value to an existing variable using the HTTP list convention.
func (b *builder) join(name, value string) {
	if existing, ok := b.values[name]; ok && existing != "" {
		value = existing + ", " + value
	}
	b.set(name, value)
}

func (b *builder) standard(name, value string) {
	if value == "" {
		value = Unset
	}
	b.set(name, value)
}

// Info is the request metadata that does not come from the *http.Request itself.
type Info struct {
	// ID is the session's unique identifier, exported as UNIQUE_ID.
	ID string
	// RemoteHost is the resolved remote host name. Defaults to the remote address.
	RemoteHost string
	// ScriptName is the URL path of the script being run.
	ScriptName string
	// PathInfo is the remainder of the URL path after ScriptName.
	PathInfo string
	// ServerSoftware is exported as SERVER_SOFTWARE.
	ServerSoftware string
}

// Build constructs the environment for the given request.
// It performs no I/O and never fails; malformed input degrades to best-effort values.
func Build(req *http.Request, info Info) Env {
	b := &builder{values: map[string]string{}}

	remoteAddr, remotePort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		remoteAddr = req.RemoteAddr
	}
	remoteHost := info.RemoteHost
	if remoteHost == "" {
		remoteHost = remoteAddr
	}
	serverName, serverPort := HostPort(req.Host, req.TLS != nil)

	var requestURI, path, rawQuery string
	if req.URL != nil {
		requestURI = req.URL.RequestURI()
		path = req.URL.Path
		rawQuery = req.URL.RawQuery
	}
	if req.RequestURI != "" {
		requestURI = req.RequestURI
	}

	b.standard("REMOTE_ADDR", remoteAddr)
	b.standard("REMOTE_HOST", remoteHost)
	b.standard("REMOTE_PORT", remotePort)
	b.standard("SERVER_NAME", serverName)
	b.standard("SERVER_PORT", serverPort)
	b.standard("SERVER_PROTOCOL", req.Proto)
	b.standard("SERVER_SOFTWARE", info.ServerSoftware)
	b.standard("GATEWAY_INTERFACE", GatewayInterface)
	b.standard("REQUEST_METHOD", req.Method)
	b.standard("SCRIPT_NAME", info.ScriptName)
	b.standard("PATH_INFO", info.PathInfo)
	b.standard("PATH_TRANSLATED", path)
	b.standard("QUERY_STRING", rawQuery)
	b.standard("UNIQUE_ID", info.ID)
	b.standard("REQUEST_URI", requestURI)

	if req.TLS != nil {
		b.set("HTTPS", "on")
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := HeaderName(k)
		for _, v := range req.Header[k] {
			b.join(name, cleanValue(v))
		}
	}

	return Env{names: b.names, values: b.values}
}

// HeaderName converts an HTTP header name into its HTTP_ variable name.
func HeaderName(header string) string {
	return "HTTP_" + strings.ToUpper(headerDashToUnderscore.Replace(validUTF8(header)))
}

func cleanValue(v string) string {
	return strings.TrimSpace(headerNewlineToSpace.Replace(validUTF8(v)))
}

func validUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, _, err := transform.String(runes.ReplaceIllFormed(), s)
	if err != nil {
		return strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return out
}

// HostPort splits a Host header value into name and port.
// A missing port defaults to 443 for TLS and 80 otherwise; an unparseable value yields an empty port.
func HostPort(host string, tls bool) (string, string) {
	name, port, err := net.SplitHostPort(host)
	if err == nil {
		return name, port
	}
	if addrErr, ok := err.(*net.AddrError); ok && strings.Contains(addrErr.Err, "missing port") {
		if tls {
			return host, "443"
		}
		return host, "80"
	}
	return host, ""
}
