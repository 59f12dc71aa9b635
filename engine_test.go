package zen

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TryExceptElse/zen/config"
	"github.com/TryExceptElse/zen/internal/diag"
	"github.com/TryExceptElse/zen/store"
)

// newTestEngine builds an engine over an in-memory store with the given
// default level.
func newTestEngine(t *testing.T, defaultLevel string, opts ...Option) (*Engine, *store.MemStore) {
	t.Helper()
	cfg := config.Default()
	cfg.DefaultLevel = defaultLevel
	cfg.Workers = 2
	ms := store.NewMemStore()
	e, err := New(ms, cfg, opts...)
	require.NoError(t, err)
	return e, ms
}

// writeTree materializes files (path → content) under a temp dir.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		write(t, dir, rel, content)
	}
	return dir
}

func write(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func analyze(t *testing.T, e *Engine, dir string) *Report {
	t.Helper()
	report, err := e.AnalyzeProject(context.Background(), []string{dir})
	require.NoError(t, err)
	return report
}

func verdictFor(t *testing.T, r *Report, dir, rel string) Verdict {
	t.Helper()
	v, ok := r.Verdicts[filepath.Join(dir, rel)]
	require.True(t, ok, "no verdict for %s; have %v", rel, r.Verdicts)
	return v
}

func TestFirstRunMarksEverythingDirty(t *testing.T) {
	e, ms := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"a.cc": "int main() { return 0; }\n",
		"b.cc": "int other() { return 1; }\n",
	})

	report := analyze(t, e, dir)
	require.Len(t, report.Verdicts, 2)
	for _, v := range report.Verdicts {
		assert.True(t, v.NeedsRebuild)
		assert.Equal(t, "no previous analysis state", v.Reason)
	}
	assert.Greater(t, ms.Len(), 0, "snapshot committed")
}

func TestIdempotence(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"lib.h":  "int helper();\n",
		"app.cc": "#include \"lib.h\"\nint main() { return helper(); }\n",
	})
	ctx := context.Background()

	first := analyze(t, e, dir)
	second := analyze(t, e, dir)
	require.Equal(t, len(first.Verdicts), len(second.Verdicts))
	for path, v := range first.Verdicts {
		assert.Equal(t, v.NeedsRebuild, second.Verdicts[path].NeedsRebuild,
			"verdict for %s must not change without edits", path)
	}

	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))
	after := analyze(t, e, dir)
	for path, v := range after.Verdicts {
		assert.False(t, v.NeedsRebuild, "%s dirty after build: %s", path, v.Reason)
	}
}

func TestCommentAndWhitespaceInvariance(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"lib.h":  "int helper();\n",
		"app.cc": "#include \"lib.h\"\nint main() { return helper(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	write(t, dir, "lib.h", "// helper returns a value\nint   helper();  /* decl */\n")
	report := analyze(t, e, dir)
	v := verdictFor(t, report, dir, "app.cc")
	assert.False(t, v.NeedsRebuild, "comment-only header edit triggered: %s", v.Reason)

	write(t, dir, "lib.h", "// helper returns a value\nlong helper();\n")
	report = analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestDisabledFileMarker(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"fragile.h": "// ZEN(disable)\n\nint magic();\n",
		"app.cc":    "#include \"fragile.h\"\nint main() { return magic(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	// Comment-only edit: shallow would ignore it, disabled must not.
	write(t, dir, "fragile.h", "// ZEN(disable)\n\n// new comment\nint magic();\n")
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestDisabledBlockMarker(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"tricky.h": "// ZEN(disable)\nint magic() {\n    return 1;\n}\n",
		"app.cc":   "#include \"tricky.h\"\nint main() { return 0; }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	// app.cc never calls magic, but a disabled block skips pruning and
	// reacts even to comment-only edits inside its lines.
	write(t, dir, "tricky.h", "// ZEN(disable)\nint magic() {\n    return 1;  // annotated\n}\n")
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestDeepUnusedChangePruning(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"lib.h":  "int used_fn() { return 1; }\nint unused_fn() { return 2; }\n",
		"app.cc": "#include \"lib.h\"\nint main() { return used_fn(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	write(t, dir, "lib.h", "int used_fn() { return 1; }\nint unused_fn() { return 20; }\n")
	report := analyze(t, e, dir)
	v := verdictFor(t, report, dir, "app.cc")
	assert.False(t, v.NeedsRebuild, "unused change triggered: %s", v.Reason)

	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))
	write(t, dir, "lib.h", "long used_fn() { return 1; }\nint unused_fn() { return 20; }\n")
	report = analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestIndirectUseTransitivity(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	// app.cc names only Gadget; Gadget's inline method calls spin_up, whose
	// change must still reach app.cc.
	dir := writeTree(t, map[string]string{
		"gadget.h": `
int spin_up() { return 7; }
class Gadget {
public:
    int go() { return spin_up(); }
};
`,
		"app.cc": "#include \"gadget.h\"\nint main() { Gadget g; return g.go(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	write(t, dir, "gadget.h", `
int spin_up() { return 8; }
class Gadget {
public:
    int go() { return spin_up(); }
};
`)
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestOperatorOverloadImplicitUse(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"functor.h": `
class Adder {
public:
    int operator()(int x) { return x + 1; }
};
int idle_helper() { return 0; }
`,
		"app.cc": "#include \"functor.h\"\nint main() { Adder add; return add(41); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	// app.cc never names operator(), yet its body change must trigger.
	write(t, dir, "functor.h", `
class Adder {
public:
    int operator()(int x) { return x + 2; }
};
int idle_helper() { return 0; }
`)
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)

	// Sanity: the untouched helper stays prunable.
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))
	write(t, dir, "functor.h", `
class Adder {
public:
    int operator()(int x) { return x + 2; }
};
int idle_helper() { return 99; }
`)
	report = analyze(t, e, dir)
	assert.False(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestClassMarkerGovernsNestedMethods(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"helper.h": `
// ZEN(shallow)
class Helper {
public:
    int poke() { return 1; }
};
`,
		"app.cc": "#include \"helper.h\"\nint main() { return 0; }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	// app.cc never uses Helper, so deep would prune this change; the class
	// marker opts the whole class out of pruning, methods included.
	write(t, dir, "helper.h", `
// ZEN(shallow)
class Helper {
public:
    int poke() { return 2; }
};
`)
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestDisableMarkerOptsOutMalformedMacro(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"scopes.h": "// ZEN(disable)\n#define OPEN_SCOPE(name) namespace name {\nint f();\n",
		"app.cc":   "#include \"scopes.h\"\nint main() { return f(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	// The unbalanced macro cannot be segmented, but the file opted out, so
	// it must not read as permanently dirty.
	report := analyze(t, e, dir)
	v := verdictFor(t, report, dir, "app.cc")
	assert.False(t, v.NeedsRebuild, "unedited opted-out header triggered: %s", v.Reason)
	assert.Empty(t, report.Diagnostics)

	// Raw comparison still applies: any edit, comment-only included, counts.
	write(t, dir, "scopes.h", "// ZEN(disable)\n// annotated\n#define OPEN_SCOPE(name) namespace name {\nint f();\n")
	report = analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestUnterminatedLiteralAlwaysDirty(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"strings.h": "const char* greeting();\n",
		"app.cc":    "#include \"strings.h\"\nint main() { return 0; }\n",
		"other.cc":  "int other() { return 1; }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	write(t, dir, "strings.h", "const char* greeting = \"oops;\n")
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
	// The failure is isolated; unrelated translation units stay clean.
	assert.False(t, verdictFor(t, report, dir, "other.cc").NeedsRebuild)

	found := false
	for _, d := range report.Diagnostics {
		if d.Severity == diag.Error && d.Path == filepath.Join(dir, "strings.h") {
			found = true
		}
	}
	assert.True(t, found, "lex failure must produce a diagnostic: %v", report.Diagnostics)
}

func TestMalformedMacroAlwaysDirty(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"blocks.h": "int f();\n",
		"app.cc":   "#include \"blocks.h\"\nint main() { return f(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	write(t, dir, "blocks.h", "#define BEGIN_BLOCK(name) namespace name {\nint f();\n")
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)

	found := false
	for _, d := range report.Diagnostics {
		if d.Severity == diag.Error && d.Path == filepath.Join(dir, "blocks.h") {
			found = true
		}
	}
	assert.True(t, found, "malformed header must produce a diagnostic: %v", report.Diagnostics)

	// Still dirty on the next run; a malformed file never reads as clean.
	report = analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestIncludeCycleReported(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"a.h":    "#include \"b.h\"\nint a();\n",
		"b.h":    "#include \"a.h\"\nint b();\n",
		"app.cc": "#include \"a.h\"\nint main() { return a() + b(); }\n",
	})

	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)

	found := false
	for _, d := range report.Diagnostics {
		if d.Severity == diag.Error && d.Path == filepath.Join(dir, "app.cc") {
			found = true
		}
	}
	assert.True(t, found, "cycle must produce a diagnostic: %v", report.Diagnostics)
}

func TestDeletedUsedDeclarationTriggers(t *testing.T) {
	e, _ := newTestEngine(t, "deep")
	dir := writeTree(t, map[string]string{
		"lib.h":  "int needed() { return 1; }\nint spare() { return 2; }\n",
		"app.cc": "#include \"lib.h\"\nint main() { return needed(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	write(t, dir, "lib.h", "int spare() { return 2; }\n")
	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "app.cc").NeedsRebuild)
}

func TestBlockMarkerOverridesFileLevel(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	// File stays at shallow, but one function opts in to deep pruning.
	dir := writeTree(t, map[string]string{
		"mixed.h": `
// ZEN(deep)
int tracked_helper() { return 1; }

int plain_helper() { return 2; }
`,
		"app.cc": "#include \"mixed.h\"\nint main() { return plain_helper(); }\n",
	})
	ctx := context.Background()
	require.NoError(t, e.MarkBuilt(ctx, []string{dir}))

	// tracked_helper is unused by app.cc and deep-marked: prunable.
	write(t, dir, "mixed.h", `
// ZEN(deep)
int tracked_helper() { return 10; }

int plain_helper() { return 2; }
`)
	report := analyze(t, e, dir)
	v := verdictFor(t, report, dir, "app.cc")
	assert.False(t, v.NeedsRebuild, "deep-marked unused change triggered: %s", v.Reason)
}

func TestNoSaveLeavesStoreUntouched(t *testing.T) {
	e, ms := newTestEngine(t, "shallow", WithSave(false))
	dir := writeTree(t, map[string]string{
		"a.cc": "int main() { return 0; }\n",
	})

	report := analyze(t, e, dir)
	assert.True(t, verdictFor(t, report, dir, "a.cc").NeedsRebuild)
	assert.Equal(t, 0, ms.Len())
}

func TestSerialModeMatchesParallel(t *testing.T) {
	files := map[string]string{
		"lib.h":  "int helper() { return 3; }\n",
		"app.cc": "#include \"lib.h\"\nint main() { return helper(); }\n",
	}

	ep, _ := newTestEngine(t, "deep")
	es, _ := newTestEngine(t, "deep", WithParallel(false))
	dirP := writeTree(t, files)
	dirS := writeTree(t, files)

	rp := analyze(t, ep, dirP)
	rs := analyze(t, es, dirS)
	require.Len(t, rs.Verdicts, len(rp.Verdicts))
	assert.Equal(t,
		verdictFor(t, rp, dirP, "app.cc").NeedsRebuild,
		verdictFor(t, rs, dirS, "app.cc").NeedsRebuild)
}

func TestUnknownMarkerWarns(t *testing.T) {
	e, _ := newTestEngine(t, "shallow")
	dir := writeTree(t, map[string]string{
		"odd.h":  "// ZEN(turbo)\nint f();\n",
		"app.cc": "#include \"odd.h\"\nint main() { return f(); }\n",
	})

	report := analyze(t, e, dir)
	found := false
	for _, d := range report.Diagnostics {
		if d.Severity == diag.Warning && d.Path == filepath.Join(dir, "odd.h") {
			found = true
		}
	}
	assert.True(t, found, "unknown marker must warn: %v", report.Diagnostics)
}
