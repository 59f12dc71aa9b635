package zen

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/TryExceptElse/zen/config"
	"github.com/TryExceptElse/zen/internal/diag"
	"github.com/TryExceptElse/zen/internal/fingerprint"
	"github.com/TryExceptElse/zen/internal/graph"
	"github.com/TryExceptElse/zen/internal/level"
	"github.com/TryExceptElse/zen/internal/lex"
	"github.com/TryExceptElse/zen/internal/segment"
	"github.com/TryExceptElse/zen/internal/uses"
	"github.com/TryExceptElse/zen/store"
)

// headerCacheSize bounds the in-process cache of segmented files. Entries
// are keyed by path plus raw fingerprint, so a stale hit is impossible.
const headerCacheSize = 4096

// Engine orchestrates the zen pipeline: file discovery, parallel
// canonicalization and segmentation, single-threaded merge and verdict
// computation, and the atomic store commit.
type Engine struct {
	store    store.Store
	cfg      config.Config
	resolver level.Resolver

	useParallel bool
	workers     int
	save        bool

	cache *lru.Cache[string, *fileAnalysis]
}

// Option configures an Engine.
type Option func(*Engine)

// WithParallel controls the parallel analysis phase. When true (default),
// AnalyzeProject canonicalizes and segments files on a bounded worker pool;
// the merge phase is always single-threaded.
func WithParallel(parallel bool) Option {
	return func(e *Engine) {
		e.useParallel = parallel
	}
}

// WithWorkers overrides the worker count from the config.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithSave controls whether AnalyzeProject commits the new fingerprint
// snapshot. Disabled, an analysis is a dry run: verdicts are computed
// against the stored state but nothing is written back.
func WithSave(save bool) Option {
	return func(e *Engine) {
		e.save = save
	}
}

// New creates an Engine over an opened store.
func New(st store.Store, cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:       st,
		cfg:         cfg,
		resolver:    level.Resolver{Default: cfg.Level()},
		useParallel: true,
		workers:     cfg.Workers,
		save:        true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	cache, err := lru.New[string, *fileAnalysis](headerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("zen: create cache: %w", err)
	}
	e.cache = cache
	return e, nil
}

// Close releases the Engine's store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// AnalyzeProject analyzes every source file reachable from roots and
// returns a rebuild verdict per translation unit. Only an inaccessible
// store aborts the run; per-file problems degrade to always-dirty verdicts
// with diagnostics attached to the report.
func (e *Engine) AnalyzeProject(ctx context.Context, roots []string) (*Report, error) {
	return e.run(ctx, roots, false)
}

// MarkBuilt records the current project state as fully built: fingerprints
// are refreshed and every pending-rebuild flag is cleared. Call it after a
// successful build so the next analysis starts from a clean baseline.
func (e *Engine) MarkBuilt(ctx context.Context, roots []string) error {
	_, err := e.run(ctx, roots, true)
	return err
}

func (e *Engine) run(ctx context.Context, roots []string, markBuilt bool) (*Report, error) {
	files, err := e.discover(roots)
	if err != nil {
		return nil, err
	}

	var analyses []*fileAnalysis
	if e.useParallel {
		analyses, err = e.analyzeParallel(ctx, files)
	} else {
		analyses, err = e.analyzeSerial(ctx, files)
	}
	if err != nil {
		return nil, err
	}

	report := e.merge(analyses, e.includeDirs(roots), markBuilt)

	if e.save {
		if err := e.store.Commit(); err != nil {
			return nil, fmt.Errorf("zen: commit store: %w", err)
		}
	}
	return report, nil
}

// discovered is one file found during the walk.
type discovered struct {
	path string
	isTU bool
}

// discover walks roots collecting source and header files, skipping
// excluded and hidden directories. The result is sorted for determinism.
func (e *Engine) discover(roots []string) ([]discovered, error) {
	excluded := make(map[string]bool, len(e.cfg.ExcludeDirs))
	for _, d := range e.cfg.ExcludeDirs {
		excluded[d] = true
	}

	seen := make(map[string]bool)
	var files []discovered
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != root && (strings.HasPrefix(name, ".") || excluded[name]) {
					return filepath.SkipDir
				}
				return nil
			}
			path = filepath.Clean(path)
			if seen[path] {
				return nil
			}
			ext := filepath.Ext(path)
			switch {
			case containsString(e.cfg.SourceExts, ext):
				seen[path] = true
				files = append(files, discovered{path: path, isTU: true})
			case containsString(e.cfg.HeaderExts, ext):
				seen[path] = true
				files = append(files, discovered{path: path, isTU: false})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("zen: discover %s: %w", root, err)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// includeDirs resolves the configured include directories against every
// root. The roots themselves always participate.
func (e *Engine) includeDirs(roots []string) []string {
	dirs := make([]string, 0, len(roots)*(len(e.cfg.IncludeDirs)+1))
	for _, root := range roots {
		dirs = append(dirs, filepath.Clean(root))
		for _, d := range e.cfg.IncludeDirs {
			if filepath.IsAbs(d) {
				dirs = append(dirs, filepath.Clean(d))
			} else {
				dirs = append(dirs, filepath.Clean(filepath.Join(root, d)))
			}
		}
	}
	return dirs
}

// fileAnalysis is the per-file result of the parallel phase. It is immutable
// once built, so cache hits can share it across runs.
type fileAnalysis struct {
	path string
	isTU bool

	raw       fingerprint.Fingerprint
	canonical fingerprint.Fingerprint
	residual  fingerprint.Fingerprint
	fileLevel level.Level
	includes  []lex.Include
	// seeds are every identifier in the file, the starting set for
	// deep-mode use analysis when the file is a translation unit.
	seeds []string
	units []*segment.Unit
	// unitRaws fingerprint each unit's raw source lines, parallel to units.
	// Disabled-level units compare these so even comment edits count.
	unitRaws []fingerprint.Fingerprint
	unknown  []lex.Marker

	// err is the lex, segmentation, or read failure; set, the file's
	// contents are unusable and every including translation unit is dirty.
	err error
}

// analyzeSerial runs the per-file phase inline, for debugging and for
// callers that disable parallelism.
func (e *Engine) analyzeSerial(ctx context.Context, files []discovered) ([]*fileAnalysis, error) {
	out := make([]*fileAnalysis, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.analyzeFile(f.path, f.isTU)
	}
	return out, nil
}

// analyzeFile reads, canonicalizes, and segments one file. Failures are
// recorded on the result, never returned: a broken file must not stop the
// run.
func (e *Engine) analyzeFile(path string, isTU bool) *fileAnalysis {
	src, err := os.ReadFile(path)
	if err != nil {
		return &fileAnalysis{path: path, isTU: isTU, err: fmt.Errorf("read: %w", err)}
	}
	raw := fingerprint.Of(src)

	cacheKey := path + "\x00" + raw.Hex()
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached
	}

	fa := &fileAnalysis{path: path, isTU: isTU, raw: raw}
	seq, err := lex.Canonicalize(src)
	if err != nil {
		fa.err = err
		return fa
	}
	f, err := segment.Segment(path, seq)
	if err != nil {
		if hasDisableMarker(seq) {
			// The file opted out of structural analysis; fall back to raw
			// byte comparison per the Disabled tier.
			fa.fileLevel = level.Disabled
			fa.canonical = seq.Fingerprint(0, len(seq.Tokens))
			fa.includes = seq.Includes
			fa.seeds = seq.Identifiers(0, len(seq.Tokens))
			e.cache.Add(cacheKey, fa)
			return fa
		}
		fa.err = err
		return fa
	}

	fa.canonical = f.Canonical
	fa.residual = f.Residual
	fa.fileLevel = f.FileLevel
	fa.includes = seq.Includes
	fa.seeds = seq.Identifiers(0, len(seq.Tokens))
	fa.units = f.All
	fa.unknown = f.UnknownMarkers

	lines := strings.Split(string(src), "\n")
	fa.unitRaws = make([]fingerprint.Fingerprint, len(f.All))
	for i, u := range f.All {
		fa.unitRaws[i] = rawLineFingerprint(lines, u.StartLine, u.EndLine)
	}

	e.cache.Add(cacheKey, fa)
	return fa
}

// hasDisableMarker reports whether any marker in the file names the Disabled
// level. When segmentation fails the marker cannot be scoped to a block, so
// a disable anywhere opts the whole file out.
func hasDisableMarker(seq *lex.Sequence) bool {
	for _, m := range seq.Markers {
		if lv, ok := level.Parse(m.Name); ok && lv == level.Disabled {
			return true
		}
	}
	return false
}

// rawLineFingerprint hashes the raw text of lines [start, end], 1-based
// inclusive. Comments sharing those lines are included, which is the point:
// disabled-level regions must react to any byte change.
func rawLineFingerprint(lines []string, start, end int) fingerprint.Fingerprint {
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return fingerprint.Zero
	}
	return fingerprint.OfStrings(lines[start-1 : end])
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// unitInfo is a declaration unit merged across every file that declares it.
// A function declared in one header and defined in another contributes two
// occurrences; their fingerprints combine order-independently.
type unitInfo struct {
	name     string
	fps      []fingerprint.Fingerprint
	raws     []fingerprint.Fingerprint
	idents   []string
	children []string
	// eff is the most trigger-happy effective level across occurrences:
	// Disabled beats Shallow beats Deep.
	eff    level.Level
	owners map[string]bool
}

func levelRank(l level.Level) int {
	switch l {
	case level.Disabled:
		return 2
	case level.Shallow:
		return 1
	default:
		return 0
	}
}

// mergeState carries the single-threaded merge phase.
type mergeState struct {
	engine   *Engine
	byPath   map[string]*fileAnalysis
	graph    *graph.Graph
	registry map[string]*unitInfo
	tuPaths  map[string]bool
	report   *Report
}

// merge builds the dependency graph and unit registry from the immutable
// per-file analyses, computes verdicts, and stages the new snapshot.
func (e *Engine) merge(analyses []*fileAnalysis, incDirs []string, markBuilt bool) *Report {
	m := &mergeState{
		engine:   e,
		byPath:   make(map[string]*fileAnalysis, len(analyses)),
		graph:    graph.New(),
		registry: make(map[string]*unitInfo),
		tuPaths:  make(map[string]bool),
		report:   &Report{Verdicts: make(map[string]Verdict)},
	}
	for _, fa := range analyses {
		m.byPath[fa.path] = fa
		if fa.isTU {
			m.tuPaths[fa.path] = true
		}
		if fa.err != nil {
			m.report.Diagnostics = append(m.report.Diagnostics, diag.Diagnostic{
				Severity: diag.Error,
				Path:     fa.path,
				Span:     errSpan(fa.err),
				Message:  fa.err.Error(),
			})
		}
		for _, mk := range fa.unknown {
			m.report.Diagnostics = append(m.report.Diagnostics, diag.Diagnostic{
				Severity: diag.Warning,
				Path:     fa.path,
				Span:     diag.Span{Line: mk.Span.Line, Col: mk.Span.Col},
				Message:  fmt.Sprintf("unknown level marker ZEN(%s)", mk.Name),
			})
		}
	}

	known := make(map[string]bool, len(m.byPath))
	for path := range m.byPath {
		known[path] = true
	}
	for _, fa := range analyses {
		if fa.err != nil {
			continue
		}
		fromDir := filepath.Dir(fa.path)
		var resolved []string
		for _, inc := range fa.includes {
			if target, ok := resolveInclude(known, incDirs, fromDir, inc); ok {
				resolved = append(resolved, target)
			}
		}
		m.graph.AddFile(fa.path, resolved)

		if !fa.isTU {
			m.registerUnits(fa)
		}
	}

	for _, fa := range analyses {
		if !fa.isTU {
			continue
		}
		verdict, used := m.analyzeTU(fa)
		if markBuilt {
			verdict.NeedsRebuild = false
			verdict.Reason = ""
		}
		m.report.Verdicts[fa.path] = verdict
		m.stageTU(fa, verdict, used)
	}
	m.stageHeadersAndUnits(analyses)
	return m.report
}

func errSpan(err error) diag.Span {
	switch e := err.(type) {
	case *lex.Error:
		return diag.Span{Line: e.Span.Line, Col: e.Span.Col}
	case *segment.MalformedBlockError:
		return diag.Span{Line: e.Span.Line, Col: e.Span.Col}
	default:
		return diag.Span{}
	}
}

func resolveInclude(known map[string]bool, incDirs []string, fromDir string, inc lex.Include) (string, bool) {
	if !inc.Angled {
		cand := filepath.Clean(filepath.Join(fromDir, inc.Path))
		if known[cand] {
			return cand, true
		}
	}
	for _, dir := range incDirs {
		cand := filepath.Clean(filepath.Join(dir, inc.Path))
		if known[cand] {
			return cand, true
		}
	}
	// Unresolvable: a system header or generated file outside the roots.
	return "", false
}

// registerUnits adds a header's units to the global registry, merging
// duplicate identity keys.
func (m *mergeState) registerUnits(fa *fileAnalysis) {
	for i, u := range fa.units {
		info := m.registry[u.Key]
		if info == nil {
			info = &unitInfo{name: u.Name, owners: make(map[string]bool)}
			m.registry[u.Key] = info
		}
		info.fps = append(info.fps, u.Fingerprint)
		info.raws = append(info.raws, fa.unitRaws[i])
		info.idents = mergeStrings(info.idents, u.Idents)
		for _, c := range u.Children {
			if !containsString(info.children, c.Key) {
				info.children = append(info.children, c.Key)
			}
		}
		info.owners[fa.path] = true

		occEff := m.engine.resolver.Resolve(fa.fileLevel, u.Level)
		if levelRank(occEff) > levelRank(info.eff) || info.eff == level.Unset {
			info.eff = occEff
		}
	}
}

// prev fetches the previous record for (kind, key). Corruption degrades to
// record-absent, which reads as changed, with a diagnostic attached once.
func (m *mergeState) prev(kind store.Kind, key string) (store.Record, bool) {
	rec, ok, err := m.engine.store.Get(kind, key)
	if err != nil {
		m.report.Diagnostics = append(m.report.Diagnostics, diag.Diagnostic{
			Severity: diag.Warning,
			Path:     key,
			Message:  fmt.Sprintf("discarding unreadable state record: %v", err),
		})
		return store.Record{}, false
	}
	return rec, ok
}

// analyzeTU computes one translation unit's verdict and, when deep analysis
// ran, the set of unit keys it uses.
func (m *mergeState) analyzeTU(tu *fileAnalysis) (Verdict, map[string]bool) {
	v := Verdict{Path: tu.path}
	dirty := func(reason string) {
		if !v.NeedsRebuild {
			v.NeedsRebuild = true
			v.Reason = reason
		}
	}

	if tu.err != nil {
		dirty(fmt.Sprintf("analysis failed: %v", tu.err))
		return v, nil
	}

	closure, cycles := m.graph.Closure(tu.path)
	for _, c := range cycles {
		m.report.Diagnostics = append(m.report.Diagnostics, diag.Diagnostic{
			Severity: diag.Error,
			Path:     tu.path,
			Message:  c.String(),
		})
	}
	if len(cycles) > 0 {
		dirty(cycles[0].String())
	}

	used := m.deepUses(tu, closure)

	prev, ok := m.prev(store.KindTU, tu.path)
	switch {
	case !ok:
		dirty("no previous analysis state")
	case prev.NeedsRebuild:
		dirty("rebuild pending from previous run")
	case m.engine.resolver.Resolve(tu.fileLevel) == level.Disabled && prev.Raw != tu.raw:
		dirty("source changed")
	case prev.Fingerprint != tu.canonical:
		dirty("source changed")
	}

	closureKeys := make(map[string]bool)
	for _, h := range closure {
		if h == tu.path {
			continue
		}
		ha := m.byPath[h]
		if ha == nil {
			continue
		}
		if ha.err != nil {
			dirty(fmt.Sprintf("header %s malformed: %v", h, ha.err))
			continue
		}
		for _, u := range ha.units {
			closureKeys[u.Key] = true
		}
		m.checkHeader(tu, ha, used, dirty)
	}

	// A used unit that vanished from the closure cannot be compared by
	// fingerprint; its absence alone forces a rebuild.
	for _, key := range prev.UseEdges {
		if !closureKeys[key] {
			dirty(fmt.Sprintf("used declaration %s no longer present", key))
			break
		}
	}
	return v, used
}

// deepUses runs use analysis when any closure header is analyzed at deep
// level. Returns nil when no deep-tier content exists, so shallow-only
// projects skip the cost entirely.
func (m *mergeState) deepUses(tu *fileAnalysis, closure []string) map[string]bool {
	deepRelevant := false
	for _, h := range closure {
		ha := m.byPath[h]
		if ha == nil || ha.err != nil || h == tu.path {
			continue
		}
		if m.headerTier(ha) == level.Deep {
			deepRelevant = true
			break
		}
	}
	if !deepRelevant {
		return nil
	}

	ix := uses.NewIndex()
	for _, h := range closure {
		ha := m.byPath[h]
		if ha == nil || ha.err != nil || h == tu.path {
			continue
		}
		for _, u := range ha.units {
			childKeys := make([]string, len(u.Children))
			for i, c := range u.Children {
				childKeys[i] = c.Key
			}
			ix.Add(&uses.Unit{
				Key:      u.Key,
				Name:     u.Name,
				Idents:   u.Idents,
				Children: childKeys,
			})
		}
	}
	return ix.Analyze(tu.seeds)
}

// headerTier returns the comparison mode for a header: its file level when
// set, otherwise the project default. A shallow header holding any
// block-level override is promoted to the unit-granular path so the
// innermost marker still wins; units without overrides compare at their
// file's tier either way.
func (m *mergeState) headerTier(ha *fileAnalysis) level.Level {
	tier := m.engine.resolver.Resolve(ha.fileLevel)
	if tier == level.Disabled || tier == level.Deep {
		return tier
	}
	for _, u := range ha.units {
		if m.engine.resolver.Resolve(ha.fileLevel, u.Level) != tier {
			return level.Deep
		}
	}
	return tier
}

// checkHeader applies one header's changes to the verdict. Disabled headers
// compare raw bytes; shallow headers compare the canonical stream; deep
// headers compare the residual plus each unit under its own effective
// level, pruning changes to unused deep units.
func (m *mergeState) checkHeader(tu, ha *fileAnalysis, used map[string]bool, dirty func(string)) {
	rec, ok := m.prev(store.KindHeader, ha.path)
	if !ok {
		dirty(fmt.Sprintf("new header %s", ha.path))
		return
	}
	switch m.headerTier(ha) {
	case level.Disabled:
		if rec.Raw != ha.raw {
			dirty(fmt.Sprintf("header %s changed (checks disabled)", ha.path))
		}
	case level.Shallow:
		if rec.Fingerprint != ha.canonical {
			dirty(fmt.Sprintf("header %s changed", ha.path))
		}
	default:
		if rec.Residual != ha.residual {
			dirty(fmt.Sprintf("header %s file-scope content changed", ha.path))
			return
		}
		for _, u := range ha.units {
			info := m.registry[u.Key]
			if info == nil {
				continue
			}
			urec, hadPrev := m.prev(store.KindUnit, u.Key)
			var changed bool
			if info.eff == level.Disabled {
				changed = !hadPrev || urec.Raw != fingerprint.Combine(info.raws)
			} else {
				changed = !hadPrev || urec.Fingerprint != fingerprint.Combine(info.fps)
			}
			if !changed {
				continue
			}
			if info.eff == level.Deep && used != nil && !used[u.Key] {
				continue // unused: pruned
			}
			dirty(fmt.Sprintf("declaration %s changed", u.Key))
			return
		}
	}
}

// stageTU stages the translation unit's new record.
func (m *mergeState) stageTU(tu *fileAnalysis, v Verdict, used map[string]bool) {
	if tu.err != nil {
		// Fingerprints are unknowable; carry the old record forward with the
		// rebuild flag raised so a later fix cannot silently read as clean.
		if prev, ok := m.prev(store.KindTU, tu.path); ok {
			prev.NeedsRebuild = true
			m.engine.store.Put(store.KindTU, tu.path, prev)
		}
		return
	}
	var edges []string
	for key := range used {
		edges = append(edges, key)
	}
	sort.Strings(edges)
	m.engine.store.Put(store.KindTU, tu.path, store.Record{
		Fingerprint:  tu.canonical,
		Raw:          tu.raw,
		Residual:     tu.residual,
		UseEdges:     edges,
		NeedsRebuild: v.NeedsRebuild,
	})
}

// stageHeadersAndUnits stages header and unit records for the new snapshot.
func (m *mergeState) stageHeadersAndUnits(analyses []*fileAnalysis) {
	for _, fa := range analyses {
		if fa.isTU || fa.err != nil {
			continue
		}
		m.engine.store.Put(store.KindHeader, fa.path, store.Record{
			Fingerprint: fa.canonical,
			Raw:         fa.raw,
			Residual:    fa.residual,
		})
	}
	for key, info := range m.registry {
		m.engine.store.Put(store.KindUnit, key, store.Record{
			Fingerprint: fingerprint.Combine(info.fps),
			Raw:         fingerprint.Combine(info.raws),
		})
	}
}

func mergeStrings(dst, add []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}
