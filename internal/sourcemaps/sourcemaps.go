// Package sourcemaps implements the adapter's source-map transformer on
// top of parsed source maps fetched from data URLs or the local disk.
package sourcemaps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-sourcemap/sourcemap"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/privat1/vscode-chrome-debug-core/internal/adapter"
)

// maxConcurrentParses bounds how many source maps are fetched and parsed
// at once.
const maxConcurrentParses = 4

// scriptMap holds one generated script's parsed map.
type scriptMap struct {
	consumer *sourcemap.Consumer
	sources  []string
	reverse  *reverseIndex
}

// Transformer resolves positions through source maps. It implements
// adapter.SourceMapTransformer.
type Transformer struct {
	log zerolog.Logger
	sem *semaphore.Weighted

	// Fetch loads a source map by URL. The default reads data: URLs and
	// local files; replace it to support remote maps.
	Fetch func(ctx context.Context, scriptURL, mapURL string) ([]byte, error)

	mu          sync.Mutex
	byGenerated map[string]*scriptMap
	byAuthored  map[string]string
}

// NewTransformer creates a transformer.
func NewTransformer(log zerolog.Logger) *Transformer {
	t := &Transformer{
		log:         log,
		sem:         semaphore.NewWeighted(maxConcurrentParses),
		byGenerated: make(map[string]*scriptMap),
		byAuthored:  make(map[string]string),
	}
	t.Fetch = t.defaultFetch
	return t
}

// ScriptParsed fetches and parses the script's source map and returns the
// authored sources it names. Scripts without maps resolve to nothing.
func (t *Transformer) ScriptParsed(ctx context.Context, url, sourceMapURL string) ([]string, error) {
	if sourceMapURL == "" {
		return nil, nil
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	data, err := t.Fetch(ctx, url, sourceMapURL)
	if err != nil {
		return nil, fmt.Errorf("fetch source map for %s: %w", url, err)
	}

	consumer, err := sourcemap.Parse(sourceMapURL, data)
	if err != nil {
		return nil, fmt.Errorf("parse source map for %s: %w", url, err)
	}

	sources, err := sourceList(data, url)
	if err != nil {
		return nil, err
	}

	reverse, err := buildReverseIndex(data, sources)
	if err != nil {
		t.log.Debug().Str("url", url).Err(err).Msg("reverse source map index unavailable")
	}

	t.mu.Lock()
	t.byGenerated[url] = &scriptMap{
		consumer: consumer,
		sources:  sources,
		reverse:  reverse,
	}
	for _, src := range sources {
		t.byAuthored[src] = url
	}
	t.mu.Unlock()

	return sources, nil
}

// MappedPosition maps a zero-based generated position to its authored
// position.
func (t *Transformer) MappedPosition(url string, line, col int) (*adapter.MappedPosition, bool) {
	t.mu.Lock()
	m, ok := t.byGenerated[url]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	// The consumer speaks one-based lines.
	source, _, origLine, origCol, ok := m.consumer.Source(line+1, col)
	if !ok || source == "" {
		return nil, false
	}
	return &adapter.MappedPosition{
		Source: resolveSourcePath(source, url),
		Line:   origLine - 1,
		Column: origCol,
	}, true
}

// GeneratedPosition maps a zero-based authored position to the generated
// script.
func (t *Transformer) GeneratedPosition(authoredPath string, line, col int) (*adapter.GeneratedPosition, bool) {
	t.mu.Lock()
	url, ok := t.byAuthored[authoredPath]
	var m *scriptMap
	if ok {
		m = t.byGenerated[url]
	}
	t.mu.Unlock()
	if m == nil || m.reverse == nil {
		return nil, false
	}

	genLine, genCol, ok := m.reverse.lookup(authoredPath, line, col)
	if !ok {
		return nil, false
	}
	return &adapter.GeneratedPosition{URL: url, Line: genLine, Column: genCol}, true
}

// AuthoredSources lists the authored sources of a generated script.
func (t *Transformer) AuthoredSources(url string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byGenerated[url]
	if !ok {
		return nil
	}
	return m.sources
}

// GeneratedURLFor returns the generated script an authored source belongs
// to.
func (t *Transformer) GeneratedURLFor(authoredPath string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	url, ok := t.byAuthored[authoredPath]
	return url, ok
}

// defaultFetch resolves data: URLs inline and anything else against the
// local filesystem, relative to the generated script.
func (t *Transformer) defaultFetch(ctx context.Context, scriptURL, mapURL string) ([]byte, error) {
	if strings.HasPrefix(mapURL, "data:") {
		idx := strings.Index(mapURL, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		payload := mapURL[idx+1:]
		if strings.Contains(mapURL[:idx], ";base64") {
			return base64.StdEncoding.DecodeString(payload)
		}
		return []byte(payload), nil
	}

	mapPath := strings.TrimPrefix(mapURL, "file://")
	if !path.IsAbs(mapPath) {
		scriptPath := strings.TrimPrefix(scriptURL, "file://")
		mapPath = path.Join(path.Dir(scriptPath), mapPath)
	}
	return os.ReadFile(mapPath)
}

// rawMap is the subset of the source map format read directly.
type rawMap struct {
	Version    int      `json:"version"`
	Sources    []string `json:"sources"`
	SourceRoot string   `json:"sourceRoot"`
	Mappings   string   `json:"mappings"`
}

// sourceList extracts and resolves the map's source paths.
func sourceList(data []byte, scriptURL string) ([]string, error) {
	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode source map: %w", err)
	}

	sources := make([]string, 0, len(raw.Sources))
	for _, src := range raw.Sources {
		if raw.SourceRoot != "" {
			src = strings.TrimSuffix(raw.SourceRoot, "/") + "/" + src
		}
		sources = append(sources, resolveSourcePath(src, scriptURL))
	}
	return sources, nil
}

// resolveSourcePath resolves a map-relative source path against the
// generated script's location.
func resolveSourcePath(src, scriptURL string) string {
	src = strings.TrimPrefix(src, "file://")
	if path.IsAbs(src) || strings.Contains(src, "://") {
		return src
	}
	base := strings.TrimPrefix(scriptURL, "file://")
	if strings.Contains(base, "://") {
		return src
	}
	return path.Join(path.Dir(base), src)
}

// reverseIndex answers authored-to-generated lookups. The consumer only
// maps the generated-to-authored direction, so the mappings field is
// decoded once into per-source sorted segment lists.
type reverseIndex struct {
	bySource map[string][]segment
}

// segment is one decoded mapping entry.
type segment struct {
	origLine int
	origCol  int
	genLine  int
	genCol   int
}

// lookup finds the generated position of the mapping at or after the
// authored position, falling back to the source's last mapping when none
// follows it.
func (r *reverseIndex) lookup(source string, line, col int) (int, int, bool) {
	segs, ok := r.bySource[source]
	if !ok || len(segs) == 0 {
		return 0, 0, false
	}

	i := sort.Search(len(segs), func(i int) bool {
		if segs[i].origLine != line {
			return segs[i].origLine > line
		}
		return segs[i].origCol >= col
	})
	if i == len(segs) {
		i = len(segs) - 1
	}
	return segs[i].genLine, segs[i].genCol, true
}

// buildReverseIndex decodes the VLQ mappings into per-source segments
// sorted by authored position.
func buildReverseIndex(data []byte, sources []string) (*reverseIndex, error) {
	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Mappings == "" {
		return nil, fmt.Errorf("source map has no mappings")
	}

	index := &reverseIndex{bySource: make(map[string][]segment)}

	genLine := 0
	genCol := 0
	srcIdx := 0
	origLine := 0
	origCol := 0

	for _, lineField := range strings.Split(raw.Mappings, ";") {
		genCol = 0
		for _, segField := range strings.Split(lineField, ",") {
			if segField == "" {
				continue
			}
			values, err := decodeVLQ(segField)
			if err != nil {
				return nil, err
			}
			if len(values) == 0 {
				continue
			}

			genCol += values[0]
			if len(values) >= 4 {
				srcIdx += values[1]
				origLine += values[2]
				origCol += values[3]
				if srcIdx >= 0 && srcIdx < len(sources) {
					src := sources[srcIdx]
					index.bySource[src] = append(index.bySource[src], segment{
						origLine: origLine,
						origCol:  origCol,
						genLine:  genLine,
						genCol:   genCol,
					})
				}
			}
		}
		genLine++
	}

	for src := range index.bySource {
		segs := index.bySource[src]
		sort.Slice(segs, func(i, j int) bool {
			if segs[i].origLine != segs[j].origLine {
				return segs[i].origLine < segs[j].origLine
			}
			return segs[i].origCol < segs[j].origCol
		})
	}
	return index, nil
}

// base64VLQChars is the base64 alphabet used by VLQ segments.
const base64VLQChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// decodeVLQ decodes one comma-separated mapping segment.
func decodeVLQ(s string) ([]int, error) {
	var values []int
	shift := uint(0)
	value := 0

	for i := 0; i < len(s); i++ {
		digit := strings.IndexByte(base64VLQChars, s[i])
		if digit < 0 {
			return nil, fmt.Errorf("invalid VLQ character %q", s[i])
		}

		value += (digit & 31) << shift
		if digit&32 != 0 {
			shift += 5
			continue
		}

		negate := value&1 != 0
		value >>= 1
		if negate {
			value = -value
		}
		values = append(values, value)
		value = 0
		shift = 0
	}
	return values, nil
}
