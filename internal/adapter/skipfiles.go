package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"

	"github.com/privat1/vscode-chrome-debug-core/internal/cdp"
)

// skipPattern is one compiled blackbox pattern. The source text is what
// gets pushed to the runtime; the compiled form answers local matching
// with the same JavaScript regex semantics the runtime applies.
type skipPattern struct {
	source string
	re     *regexp2.Regexp
}

// SkipFileManager maintains the blackbox pattern list and the per-source
// override map. Overrides take precedence over patterns.
type SkipFileManager struct {
	client     *cdp.Client
	scripts    *ScriptRegistry
	sourceMaps SourceMapTransformer
	log        zerolog.Logger

	mu                sync.Mutex
	patterns          []skipPattern
	overrides         map[string]bool
	warnedUnsupported bool
}

// NewSkipFileManager creates a skip-file manager.
func NewSkipFileManager(client *cdp.Client, scripts *ScriptRegistry, sourceMaps SourceMapTransformer, log zerolog.Logger) *SkipFileManager {
	return &SkipFileManager{
		client:     client,
		scripts:    scripts,
		sourceMaps: sourceMaps,
		log:        log,
		overrides:  make(map[string]bool),
	}
}

// Init compiles the configured skipFiles globs and skipFileRegExps and
// pushes the resulting patterns to the runtime.
func (s *SkipFileManager) Init(ctx context.Context, globs, regexps []string) error {
	sources := make([]string, 0, len(globs)+len(regexps))
	for _, g := range globs {
		sources = append(sources, globToRegex(g))
	}
	sources = append(sources, regexps...)

	s.mu.Lock()
	s.patterns = s.patterns[:0]
	for _, src := range sources {
		re, err := regexp2.Compile(src, regexp2.None)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("compile skip pattern %q: %w", src, err)
		}
		s.patterns = append(s.patterns, skipPattern{source: src, re: re})
	}
	s.mu.Unlock()

	s.pushPatterns(ctx)
	return nil
}

// ShouldSkipSource reports whether a source is skipped: the override when
// present, otherwise true when any pattern matches, otherwise nil
// (unknown).
func (s *SkipFileManager) ShouldSkipSource(path string) *bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldSkipLocked(path)
}

func (s *SkipFileManager) shouldSkipLocked(path string) *bool {
	if v, ok := s.overrides[path]; ok {
		return &v
	}
	for _, p := range s.patterns {
		if matched, err := p.re.MatchString(path); err == nil && matched {
			v := true
			return &v
		}
	}
	return nil
}

// IsSkipped reports the two-valued form of ShouldSkipSource.
func (s *SkipFileManager) IsSkipped(path string) bool {
	v := s.ShouldSkipSource(path)
	return v != nil && *v
}

// PatternSources returns the current pattern texts, as pushed to the
// runtime.
func (s *SkipFileManager) PatternSources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]string, len(s.patterns))
	for i, p := range s.patterns {
		result[i] = p.source
	}
	return result
}

// ToggleSkipSource flips a source's skip state at runtime. Only sources
// present in the current stack may be toggled, and a generated script
// that has authored sources cannot be toggled itself. After the flip the
// pattern list is rewritten so later matching reflects the decision, the
// patterns are re-pushed, and the containing generated script's ranges
// are recomputed.
func (s *SkipFileManager) ToggleSkipSource(ctx context.Context, path string, inStack func(string) bool) error {
	if !inStack(path) {
		s.log.Info().Str("path", path).Msg("can't toggle skipFile status for source not in the current stack")
		return nil
	}

	if script, ok := s.scripts.ByURL(path); ok && len(s.sourceMaps.AuthoredSources(script.URL)) > 0 {
		s.log.Info().Str("path", path).Msg("can't toggle skipFile status for a script with authored sources")
		return nil
	}

	s.mu.Lock()
	newSkip := !(s.shouldSkipLocked(path) != nil && *s.shouldSkipLocked(path))
	s.overrides[path] = newSkip

	if newSkip {
		src := pathToRegex(path)
		if re, err := regexp2.Compile(src, regexp2.None); err == nil {
			s.patterns = append(s.patterns, skipPattern{source: src, re: re})
		}
	} else {
		s.excludePathLocked(path)
	}
	s.mu.Unlock()

	s.pushPatterns(ctx)

	genURL := path
	if owner, ok := s.sourceMaps.GeneratedURLFor(path); ok {
		genURL = owner
	}
	if script, ok := s.scripts.ByURL(genURL); ok {
		s.RefreshRanges(ctx, script)
	}
	return nil
}

// excludePathLocked rewrites every pattern matching path so it no longer
// does, using a negative lookahead around the original expression.
func (s *SkipFileManager) excludePathLocked(path string) {
	for i, p := range s.patterns {
		matched, err := p.re.MatchString(path)
		if err != nil || !matched {
			continue
		}
		src := fmt.Sprintf("(?!^%s$)(%s)", escapeRegex(path), p.source)
		re, err := regexp2.Compile(src, regexp2.None)
		if err != nil {
			continue
		}
		s.patterns[i] = skipPattern{source: src, re: re}
	}
}

// pushPatterns sends the pattern list via Debugger.setBlackboxPatterns.
// Rejection only means the runtime lacks blackbox support; warn once.
func (s *SkipFileManager) pushPatterns(ctx context.Context) {
	if err := s.client.DebuggerSetBlackboxPatterns(ctx, s.PatternSources()); err != nil {
		s.warnUnsupported(err)
	}
}

// RefreshRanges recomputes and pushes the blackboxed positional ranges of
// a generated script whose authored sources have mixed skip state. A
// clearing push with no positions precedes the real one so stale ranges
// never linger; the clear is awaited to keep the order deterministic.
func (s *SkipFileManager) RefreshRanges(ctx context.Context, script *Script) {
	positions := s.computeRanges(script)

	if err := s.client.DebuggerSetBlackboxedRanges(ctx, cdp.SetBlackboxedRangesParams{
		ScriptID:  script.ID,
		Positions: []cdp.ScriptPosition{},
	}); err != nil {
		s.warnUnsupported(err)
		return
	}
	if err := s.client.DebuggerSetBlackboxedRanges(ctx, cdp.SetBlackboxedRangesParams{
		ScriptID:  script.ID,
		Positions: positions,
	}); err != nil {
		s.warnUnsupported(err)
	}
}

// computeRanges walks the script's authored source intervals in
// generated-position order; every skip-state transition emits one
// position. A skipped parent script contributes a leading {0,0}.
func (s *SkipFileManager) computeRanges(script *Script) []cdp.ScriptPosition {
	type interval struct {
		start cdp.ScriptPosition
		skip  bool
	}

	sources := s.sourceMaps.AuthoredSources(script.URL)
	intervals := make([]interval, 0, len(sources))
	for _, src := range sources {
		pos, ok := s.sourceMaps.GeneratedPosition(src, 0, 0)
		if !ok {
			continue
		}
		intervals = append(intervals, interval{
			start: cdp.ScriptPosition{LineNumber: pos.Line, ColumnNumber: pos.Column},
			skip:  s.IsSkipped(src),
		})
	}
	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].start.LineNumber != intervals[j].start.LineNumber {
			return intervals[i].start.LineNumber < intervals[j].start.LineNumber
		}
		return intervals[i].start.ColumnNumber < intervals[j].start.ColumnNumber
	})

	var positions []cdp.ScriptPosition
	inLibRange := false
	if s.IsSkipped(script.URL) {
		positions = append(positions, cdp.ScriptPosition{LineNumber: 0, ColumnNumber: 0})
		inLibRange = true
	}
	for _, iv := range intervals {
		if iv.skip != inLibRange {
			positions = append(positions, iv.start)
			inLibRange = iv.skip
		}
	}
	return positions
}

// warnUnsupported logs the lack of blackbox support exactly once.
func (s *SkipFileManager) warnUnsupported(err error) {
	s.mu.Lock()
	warned := s.warnedUnsupported
	s.warnedUnsupported = true
	s.mu.Unlock()

	if !warned {
		s.log.Warn().Err(err).Msg("runtime does not support skipFiles")
	}
}

// globToRegex converts a skipFiles glob to an anchored regex source.
// ** crosses path separators, * and ? do not.
func globToRegex(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(glob) {
		c := glob[i]
		switch {
		case c == '*' && i+1 < len(glob) && glob[i+1] == '*':
			b.WriteString(".*")
			i += 2
			// Collapse "**/" so it also matches zero directories.
			if i < len(glob) && glob[i] == '/' {
				b.WriteString("/?")
				i++
			}
		case c == '*':
			b.WriteString(`[^/\\]*`)
			i++
		case c == '?':
			b.WriteString(`[^/\\]`)
			i++
		default:
			b.WriteString(escapeRegex(string(c)))
			i++
		}
	}
	return b.String() + "$"
}

// pathToRegex builds an exact-match regex for one path.
func pathToRegex(path string) string {
	return "^" + escapeRegex(path) + "$"
}

// escapeRegex escapes regex metacharacters in a literal string.
func escapeRegex(literal string) string {
	var b strings.Builder
	for _, r := range literal {
		if strings.ContainsRune(`\^$.|?*+()[]{}/`, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
