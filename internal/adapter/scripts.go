package adapter

import (
	"strings"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
)

// PlaceholderURLPrefix is the scheme assigned to scripts the runtime
// reports without a URL. Stack frames replace it with a VM<scriptId>
// display name before returning to the client.
const PlaceholderURLPrefix = "eval://"

// Script is one script observed via Debugger.scriptParsed. Immutable after
// first observation except for the client path and the source-map
// resolution results.
type Script struct {
	// ID is the runtime's script identifier.
	ID cdp.ScriptID

	// URL is the normalized script URL, possibly the eval:// placeholder.
	URL string

	// SourceMapURL is the script's source map URL, if any.
	SourceMapURL string

	// ClientPath is the path transformer's rewrite of URL, when one exists.
	ClientPath string

	// AuthoredSources are the authored sources discovered from the
	// script's source map.
	AuthoredSources []string
}

// IsPlaceholder reports whether the script has no real URL.
func (s *Script) IsPlaceholder() bool {
	return strings.HasPrefix(s.URL, PlaceholderURLPrefix)
}

// ScriptRegistry indexes every observed script by CDP scriptId and by
// normalized URL.
type ScriptRegistry struct {
	byID  map[cdp.ScriptID]*Script
	byURL map[string]*Script
}

// NewScriptRegistry creates an empty registry.
func NewScriptRegistry() *ScriptRegistry {
	return &ScriptRegistry{
		byID:  make(map[cdp.ScriptID]*Script),
		byURL: make(map[string]*Script),
	}
}

// Add registers a parsed script. Extension scripts are dropped; URL-less
// scripts get the eval:// placeholder. Returns nil when the script was
// dropped.
func (r *ScriptRegistry) Add(evt cdp.ScriptParsedEvent) *Script {
	if isExtensionURL(evt.URL) {
		return nil
	}

	url := normalizeScriptURL(evt.URL)
	if url == "" {
		url = PlaceholderURLPrefix + string(evt.ScriptID)
	}

	script := &Script{
		ID:           evt.ScriptID,
		URL:          url,
		SourceMapURL: evt.SourceMapURL,
	}
	r.byID[evt.ScriptID] = script
	r.byURL[url] = script
	return script
}

// ByID returns the script with the given runtime id.
func (r *ScriptRegistry) ByID(id cdp.ScriptID) (*Script, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// ByURL returns the script with the given normalized URL.
func (r *ScriptRegistry) ByURL(url string) (*Script, bool) {
	s, ok := r.byURL[normalizeScriptURL(url)]
	return s, ok
}

// All returns every registered script.
func (r *ScriptRegistry) All() []*Script {
	result := make([]*Script, 0, len(r.byID))
	for _, s := range r.byID {
		result = append(result, s)
	}
	return result
}

// Reset drops every script. Called when the runtime clears its execution
// contexts (navigation).
func (r *ScriptRegistry) Reset() {
	r.byID = make(map[cdp.ScriptID]*Script)
	r.byURL = make(map[string]*Script)
}

// isExtensionURL reports whether the URL belongs to a browser extension.
// Extension scripts are never registered nor reported in stack frames.
func isExtensionURL(url string) bool {
	return strings.HasPrefix(url, "extensions::") ||
		strings.HasPrefix(url, "chrome-extension://")
}

// normalizeScriptURL canonicalizes Windows drive letters and separators so
// the same file always indexes under one key.
func normalizeScriptURL(url string) string {
	if url == "" {
		return ""
	}
	if len(url) > 1 && url[1] == ':' && isDriveLetter(url[0]) {
		// Bare Windows path: lower the drive, forward the slashes.
		return strings.ToLower(url[:1]) + strings.ReplaceAll(url[1:], `\`, "/")
	}
	const filePrefix = "file:///"
	if strings.HasPrefix(url, filePrefix) {
		rest := url[len(filePrefix):]
		if len(rest) > 1 && rest[1] == ':' && isDriveLetter(rest[0]) {
			return filePrefix + strings.ToLower(rest[:1]) + strings.ReplaceAll(rest[1:], `\`, "/")
		}
	}
	return url
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
