package adapter

import (
	"context"
	"strings"
)

// MappedPosition is an authored-source position resolved from a generated
// script location.
type MappedPosition struct {
	Source string
	Line   int
	Column int
}

// GeneratedPosition is a generated-script position resolved from an
// authored source location.
type GeneratedPosition struct {
	URL    string
	Line   int
	Column int
}

// PathTransformer translates between client paths and target URLs. The
// adapter owns no path policy of its own; launch wiring supplies a
// transformer that knows webRoot or outFiles layout.
type PathTransformer interface {
	// ScriptParsed rewrites a parsed script's URL to the client path the
	// IDE should see, or returns the URL unchanged.
	ScriptParsed(url string) string

	// ClientPathToTargetURL maps a client path to the URL the runtime
	// knows the script by. Empty when no mapping exists.
	ClientPathToTargetURL(path string) string

	// TargetURLToClientPath maps a runtime URL to a client path. Empty
	// when no mapping exists.
	TargetURLToClientPath(url string) string
}

// SourceMapTransformer resolves positions through source maps. Methods
// that may fetch or parse maps take a context; lookup methods answer from
// already-resolved state.
type SourceMapTransformer interface {
	// ScriptParsed processes a parsed script's source map and returns the
	// authored sources it provides, if any.
	ScriptParsed(ctx context.Context, url, sourceMapURL string) ([]string, error)

	// MappedPosition maps a generated position to an authored one.
	MappedPosition(url string, line, col int) (*MappedPosition, bool)

	// GeneratedPosition maps an authored position to a generated one.
	GeneratedPosition(authoredPath string, line, col int) (*GeneratedPosition, bool)

	// AuthoredSources lists the authored sources of a generated script.
	AuthoredSources(url string) []string

	// GeneratedURLFor returns the generated script URL an authored source
	// belongs to.
	GeneratedURLFor(authoredPath string) (string, bool)
}

// LineColTransformer converts between the client's line/column base and
// the internal zero-based convention.
type LineColTransformer struct {
	// LinesStartAt1 records the client's line base.
	LinesStartAt1 bool

	// ColumnsStartAt1 records the client's column base.
	ColumnsStartAt1 bool
}

// LineToTarget converts a client line to a zero-based target line.
func (t *LineColTransformer) LineToTarget(line int) int {
	if t.LinesStartAt1 {
		return line - 1
	}
	return line
}

// ColumnToTarget converts a client column to a zero-based target column.
func (t *LineColTransformer) ColumnToTarget(col int) int {
	if t.ColumnsStartAt1 {
		return col - 1
	}
	return col
}

// LineToClient converts a zero-based target line to a client line.
func (t *LineColTransformer) LineToClient(line int) int {
	if t.LinesStartAt1 {
		return line + 1
	}
	return line
}

// ColumnToClient converts a zero-based target column to a client column.
func (t *LineColTransformer) ColumnToClient(col int) int {
	if t.ColumnsStartAt1 {
		return col + 1
	}
	return col
}

// IdentityPathTransformer maps file URLs to local paths and back without
// any webRoot remapping. It is the default for node-style targets where
// script URLs are file paths or file:// URLs.
type IdentityPathTransformer struct{}

// ScriptParsed returns the URL unchanged.
func (IdentityPathTransformer) ScriptParsed(url string) string {
	return url
}

// ClientPathToTargetURL converts a client path to a file URL.
func (IdentityPathTransformer) ClientPathToTargetURL(path string) string {
	if path == "" {
		return ""
	}
	if strings.Contains(path, "://") {
		return path
	}
	p := strings.ReplaceAll(path, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		// Windows drive path
		p = "/" + p
	}
	return "file://" + p
}

// TargetURLToClientPath converts a file URL back to a client path.
func (IdentityPathTransformer) TargetURLToClientPath(url string) string {
	switch {
	case strings.HasPrefix(url, "file:///"):
		path := url[len("file:///"):]
		if len(path) > 1 && path[1] == ':' {
			// Windows drive path
			return path
		}
		return "/" + path
	case strings.HasPrefix(url, "file://"):
		return url[len("file://"):]
	case strings.Contains(url, "://"):
		return ""
	default:
		return url
	}
}

// NoSourceMapTransformer is a SourceMapTransformer that resolves nothing.
// Used when sourceMaps are disabled.
type NoSourceMapTransformer struct{}

// ScriptParsed returns no authored sources.
func (NoSourceMapTransformer) ScriptParsed(ctx context.Context, url, sourceMapURL string) ([]string, error) {
	return nil, nil
}

// MappedPosition reports no mapping.
func (NoSourceMapTransformer) MappedPosition(url string, line, col int) (*MappedPosition, bool) {
	return nil, false
}

// GeneratedPosition reports no mapping.
func (NoSourceMapTransformer) GeneratedPosition(authoredPath string, line, col int) (*GeneratedPosition, bool) {
	return nil, false
}

// AuthoredSources returns no sources.
func (NoSourceMapTransformer) AuthoredSources(url string) []string {
	return nil
}

// GeneratedURLFor reports no owner.
func (NoSourceMapTransformer) GeneratedURLFor(authoredPath string) (string, bool) {
	return "", false
}
