package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TryExceptElse/zen/internal/level"
	"github.com/TryExceptElse/zen/internal/lex"
)

func segmentSource(t *testing.T, src string) *File {
	t.Helper()
	seq, err := lex.Canonicalize([]byte(src))
	require.NoError(t, err)
	f, err := Segment("test.h", seq)
	require.NoError(t, err)
	return f
}

func findUnit(t *testing.T, f *File, key string) *Unit {
	t.Helper()
	for _, u := range f.All {
		if u.Key == key {
			return u
		}
	}
	t.Fatalf("no unit with key %q; have %v", key, keysOf(f))
	return nil
}

func keysOf(f *File) []string {
	keys := make([]string, 0, len(f.All))
	for _, u := range f.All {
		keys = append(keys, u.Key)
	}
	return keys
}

func TestSegmentNamespaceClassFunction(t *testing.T) {
	f := segmentSource(t, `
#include <cstddef>

namespace app {

class Widget {
public:
    Widget(int size);
    int size() const;
private:
    int size_;
};

int count_widgets(const Widget& w);

}  // namespace app

int main() {
    return 0;
}
`)
	ns := findUnit(t, f, "namespace app")
	require.Equal(t, KindNamespace, ns.Kind)

	cls := findUnit(t, f, "app::Widget")
	assert.Equal(t, KindClass, cls.Kind)
	require.Len(t, cls.Children, 2)

	ctor := findUnit(t, f, "app::Widget::Widget(int)")
	assert.Equal(t, KindFunction, ctor.Kind)
	findUnit(t, f, "app::Widget::size()")
	findUnit(t, f, "app::count_widgets(constWidget&)")
	findUnit(t, f, "main()")
}

func TestSegmentMacros(t *testing.T) {
	f := segmentSource(t, `
#define PLAIN_VALUE 42
#define SQUARE(x) ((x) * (x))
#define PAIR(a, b) do { use(a); use(b); } while (0)
`)
	sq := findUnit(t, f, "SQUARE/1")
	assert.Equal(t, KindMacro, sq.Kind)
	findUnit(t, f, "PAIR/2")

	// Object-like macros stay in the residual.
	for _, u := range f.All {
		assert.NotEqual(t, "PLAIN_VALUE", u.Name)
	}
}

func TestSegmentMalformedMacro(t *testing.T) {
	seq, err := lex.Canonicalize([]byte(`
#define OPEN_SCOPE(name) namespace name {
`))
	require.NoError(t, err)
	_, err = Segment("bad.h", seq)
	var malformed *MalformedBlockError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "bad.h", malformed.Path)
}

func TestSegmentCrossFileBlock(t *testing.T) {
	seq, err := lex.Canonicalize([]byte("namespace open_ended {\nint x;\n"))
	require.NoError(t, err)
	_, err = Segment("open.h", seq)
	var malformed *MalformedBlockError
	require.ErrorAs(t, err, &malformed)
}

func TestNestedChangeDoesNotTouchParentFingerprint(t *testing.T) {
	const before = `
namespace n {
class C {
    int f() { return 1; }
    int g() { return 2; }
};
}
`
	const after = `
namespace n {
class C {
    int f() { return 99; }
    int g() { return 2; }
};
}
`
	a := segmentSource(t, before)
	b := segmentSource(t, after)

	assert.NotEqual(t,
		findUnit(t, a, "n::C::f()").Fingerprint,
		findUnit(t, b, "n::C::f()").Fingerprint)
	assert.Equal(t,
		findUnit(t, a, "n::C::g()").Fingerprint,
		findUnit(t, b, "n::C::g()").Fingerprint)
	assert.Equal(t,
		findUnit(t, a, "n::C").Fingerprint,
		findUnit(t, b, "n::C").Fingerprint)
	assert.Equal(t,
		findUnit(t, a, "namespace n").Fingerprint,
		findUnit(t, b, "namespace n").Fingerprint)
	assert.Equal(t, a.Residual, b.Residual)
}

func TestCommentAndWhitespaceInvariance(t *testing.T) {
	a := segmentSource(t, "int add(int a, int b) { return a + b; }\n")
	b := segmentSource(t, `
// Adds two numbers.
int add(int a,
        int b) {
    return a + b;  /* sum */
}
`)
	assert.Equal(t, a.Canonical, b.Canonical)
	assert.Equal(t,
		findUnit(t, a, "add(int,int)").Fingerprint,
		findUnit(t, b, "add(int,int)").Fingerprint)
}

func TestFieldChangeAltersClassFingerprint(t *testing.T) {
	a := segmentSource(t, "class C { int a_; int f(); };\n")
	b := segmentSource(t, "class C { long a_; int f(); };\n")
	assert.NotEqual(t,
		findUnit(t, a, "C").Fingerprint,
		findUnit(t, b, "C").Fingerprint)
	assert.Equal(t,
		findUnit(t, a, "C::f()").Fingerprint,
		findUnit(t, b, "C::f()").Fingerprint)
}

func TestMarkerAttachment(t *testing.T) {
	f := segmentSource(t, `
// ZEN(deep)

// ZEN(disable)
int fragile() { return 1; }

int steady() { return 2; }  // ZEN(shallow)

// ZEN(fast)
int tagged_wrong() { return 3; }
`)
	assert.Equal(t, level.Deep, f.FileLevel)
	assert.Equal(t, level.Disabled, findUnit(t, f, "fragile()").Level)
	assert.Equal(t, level.Shallow, findUnit(t, f, "steady()").Level)
	assert.Equal(t, level.Unset, findUnit(t, f, "tagged_wrong()").Level)
	require.Len(t, f.UnknownMarkers, 1)
	assert.Equal(t, "fast", f.UnknownMarkers[0].Name)
}

func TestMarkerGovernsNestedDeclarations(t *testing.T) {
	f := segmentSource(t, `
// ZEN(shallow)
class Helper {
public:
    int poke() { return 1; }
    int prod() { return 2; }  // ZEN(deep)
};
`)
	assert.Equal(t, level.Shallow, findUnit(t, f, "Helper").Level)
	// Unmarked members inherit the class marker; a deeper marker overrides.
	assert.Equal(t, level.Shallow, findUnit(t, f, "Helper::poke()").Level)
	assert.Equal(t, level.Deep, findUnit(t, f, "Helper::prod()").Level)
}

func TestOperatorAndDestructorNames(t *testing.T) {
	f := segmentSource(t, `
class Buf {
public:
    ~Buf();
    Buf& operator+=(const Buf& other);
    int operator()(int idx) const;
};
Buf operator+(const Buf& a, const Buf& b);
`)
	findUnit(t, f, "Buf::~Buf()")
	findUnit(t, f, "Buf::operator+=(constBuf&)")
	findUnit(t, f, "Buf::operator()(int)")
	findUnit(t, f, "operator+(constBuf&,constBuf&)")
}

func TestExternCBlockIsTransparent(t *testing.T) {
	f := segmentSource(t, `
extern "C" {
int c_entry(void);
}
`)
	u := findUnit(t, f, "c_entry(void)")
	assert.Equal(t, KindFunction, u.Kind)
}

func TestResidualTracksLooseContent(t *testing.T) {
	a := segmentSource(t, "#include \"x.h\"\ntypedef int id_t;\nint f() { return 0; }\n")
	b := segmentSource(t, "#include \"x.h\"\ntypedef long id_t;\nint f() { return 0; }\n")
	assert.NotEqual(t, a.Residual, b.Residual)
	assert.Equal(t,
		findUnit(t, a, "f()").Fingerprint,
		findUnit(t, b, "f()").Fingerprint)
}
