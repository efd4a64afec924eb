package contest

import (
	"testing"

	"github.com/jabolina/verity/pkg/verity/types"
)

func muc(key types.CubeKey, date uint64, difficulty int, blob string) types.CubeInfo {
	return types.CubeInfo{Key: key, Variant: types.MUC, Date: date, Difficulty: difficulty, Blob: []byte(blob)}
}

func Test_Contest_HigherDateWins(t *testing.T) {
	k := types.CubeKey{1}
	a := muc(k, 100, 0, "a")
	b := muc(k, 200, 0, "b")

	if got := Contest(a, b); !got.Equal(b) {
		t.Errorf("expected higher date %v to win, got %v", b, got)
	}
	if got := Contest(b, a); !got.Equal(b) {
		t.Errorf("contest must be commutative in result, got %v", got)
	}
}

func Test_Contest_TieFallsBackToDifficultyThenHash(t *testing.T) {
	k := types.CubeKey{2}
	a := muc(k, 100, 1, "aaa")
	b := muc(k, 100, 2, "bbb")
	if got := Contest(a, b); !got.Equal(b) {
		t.Errorf("expected higher difficulty to win on a date tie, got %v", got)
	}

	c := muc(k, 100, 1, "aaa")
	d := muc(k, 100, 1, "zzz")
	if got := Contest(c, d); !got.Equal(d) {
		t.Errorf("expected lexicographically greater hash to win on a full tie, got %v", got)
	}
}

func Test_Contest_PMUCHigherCounterWins(t *testing.T) {
	k := types.CubeKey{3}
	a := types.CubeInfo{Key: k, Variant: types.PMUC, UpdateCount: 5, Date: 999, Blob: []byte("a")}
	b := types.CubeInfo{Key: k, Variant: types.PMUC, UpdateCount: 6, Date: 1, Blob: []byte("b")}
	if got := Contest(a, b); !got.Equal(b) {
		t.Errorf("expected higher PMUC update counter to win regardless of date, got %v", got)
	}
}

func Test_Contest_ImmutableReturnsFirstArgument(t *testing.T) {
	k := types.CubeKey{4}
	a := types.CubeInfo{Key: k, Variant: types.Frozen, Blob: []byte("a")}
	b := types.CubeInfo{Key: k, Variant: types.Frozen, Blob: []byte("b")}
	if got := Contest(a, b); !got.Equal(a) {
		t.Errorf("expected immutable contest to keep a, got %v", got)
	}
}

func Test_Contest_ReflexiveAndTransitive(t *testing.T) {
	k := types.CubeKey{5}
	a := muc(k, 10, 0, "a")
	b := muc(k, 20, 0, "b")
	c := muc(k, 30, 0, "c")

	if got := Contest(a, a); !got.Equal(a) {
		t.Errorf("contest(a, a) must equal a, got %v", got)
	}

	ab := Contest(a, b)
	bc := Contest(b, c)
	ac := Contest(a, c)
	abc := Contest(ab, c)
	if !abc.Equal(ac) || !abc.Equal(bc) {
		t.Errorf("expected a total order: contest(contest(a,b),c) == contest(a,c) == contest(b,c), got ab=%v bc=%v ac=%v abc=%v", ab, bc, ac, abc)
	}
}

func Test_ShouldRetain_WithinLifetimeWindow(t *testing.T) {
	opts := DefaultRetentionOptions()
	if !ShouldRetain(1000, 0, 1000+opts.MinLifetime-1, opts) {
		t.Error("expected a difficulty-0 cube to still be retained just inside its minimum lifetime")
	}
	if ShouldRetain(1000, 0, 1000+opts.MinLifetime+1, opts) {
		t.Error("expected a difficulty-0 cube to be rejected just past its minimum lifetime")
	}
}

func Test_ShouldRetain_FutureDateAlwaysRetained(t *testing.T) {
	opts := DefaultRetentionOptions()
	if !ShouldRetain(5000, 0, 1000, opts) {
		t.Error("expected a cube declared in the future to be retained regardless of difficulty")
	}
}
