package memstore

import (
	"testing"
	"time"

	"github.com/jabolina/verity/pkg/verity/types"
)

func frozen(key types.CubeKey, blob string) types.Cube {
	return types.Cube{Info: types.CubeInfo{Key: key, Variant: types.Frozen, Blob: []byte(blob)}}
}

func muc(key types.CubeKey, date uint64, blob string) types.Cube {
	return types.Cube{Info: types.CubeInfo{Key: key, Variant: types.MUC, Date: date, Blob: []byte(blob)}}
}

func Test_AddCube_FirstWriteAlwaysAccepted(t *testing.T) {
	s := New()
	k := types.CubeKey{1}
	info, ok, stored := s.AddCube(frozen(k, "a"), types.AddOptions{})
	if !ok {
		t.Fatal("expected the first write for a key to be accepted")
	}
	if !stored {
		t.Error("expected the first write for a key to report stored=true")
	}
	if info.Key != k {
		t.Errorf("unexpected info: %+v", info)
	}
	if n := s.GetNumberOfStoredCubes(); n != 1 {
		t.Errorf("expected 1 stored cube, got %d", n)
	}
}

func Test_AddCube_ExactDuplicateIsIdempotent(t *testing.T) {
	s := New()
	k := types.CubeKey{2}
	c := muc(k, 100, "a")
	if _, ok, _ := s.AddCube(c, types.AddOptions{}); !ok {
		t.Fatal("first write must succeed")
	}
	info, ok, stored := s.AddCube(c, types.AddOptions{})
	if !ok {
		t.Fatal("an exact duplicate must be reported as accepted (no-op)")
	}
	if stored {
		t.Error("an exact duplicate must report stored=false: nothing new was written")
	}
	if !info.Equal(c.Info) {
		t.Errorf("expected the existing info back unchanged, got %+v", info)
	}
	if n := s.GetNumberOfStoredCubes(); n != 1 {
		t.Errorf("a duplicate must not create a second entry, got %d stored", n)
	}
}

func Test_AddCube_LowerDateLosesContest(t *testing.T) {
	s := New()
	k := types.CubeKey{3}
	if _, ok, _ := s.AddCube(muc(k, 200, "newer"), types.AddOptions{}); !ok {
		t.Fatal("setup write must succeed")
	}
	if _, ok, _ := s.AddCube(muc(k, 100, "older"), types.AddOptions{}); ok {
		t.Fatal("expected the older-dated cube to lose the contest and be rejected")
	}
	got, _ := s.GetCube(k)
	if string(got.Info.Blob) != "newer" {
		t.Errorf("expected the newer cube to remain stored, got %q", got.Info.Blob)
	}
}

func Test_AddCube_HigherDateOverwrites(t *testing.T) {
	s := New()
	k := types.CubeKey{4}
	if _, ok, _ := s.AddCube(muc(k, 100, "older"), types.AddOptions{}); !ok {
		t.Fatal("setup write must succeed")
	}
	info, ok, stored := s.AddCube(muc(k, 200, "newer"), types.AddOptions{})
	if !ok {
		t.Fatal("expected the newer-dated cube to win the contest and be accepted")
	}
	if !stored {
		t.Error("expected a contest-winning write to report stored=true")
	}
	if string(info.Blob) != "newer" {
		t.Errorf("unexpected winning info: %+v", info)
	}
	got, _ := s.GetCube(k)
	if string(got.Info.Blob) != "newer" {
		t.Errorf("expected the store to hold the newer cube, got %q", got.Info.Blob)
	}
}

func Test_AddCube_PMUCAutoIncrement(t *testing.T) {
	s := New()
	k := types.CubeKey{5}
	first := types.Cube{Info: types.CubeInfo{Key: k, Variant: types.PMUC, UpdateCount: 0, Blob: []byte("a")}}
	if _, ok, _ := s.AddCube(first, types.AddOptions{AutoIncrementPmuc: true}); !ok {
		t.Fatal("setup write must succeed")
	}
	second := types.Cube{Info: types.CubeInfo{Key: k, Variant: types.PMUC, UpdateCount: 0, Blob: []byte("b")}}
	info, ok, stored := s.AddCube(second, types.AddOptions{AutoIncrementPmuc: true})
	if !ok {
		t.Fatal("expected the auto-incremented write to be accepted")
	}
	if !stored {
		t.Error("expected the auto-incremented write to report stored=true")
	}
	if info.UpdateCount != 1 {
		t.Errorf("expected the stored update count to be bumped to 1, got %d", info.UpdateCount)
	}
}

func Test_GetCube_UnknownKeyMisses(t *testing.T) {
	s := New()
	if _, ok := s.GetCube(types.CubeKey{9}); ok {
		t.Fatal("expected a miss for a key never stored")
	}
	if _, ok := s.GetCubeInfo(types.CubeKey{9}); ok {
		t.Fatal("expected GetCubeInfo to miss too")
	}
	if s.HasCube(types.CubeKey{9}) {
		t.Fatal("expected HasCube to report false")
	}
}

func Test_SubscribeCubeAdded_FansOutAndCancelStopsDelivery(t *testing.T) {
	s := New()
	ch, cancel := s.SubscribeCubeAdded()

	k1 := types.CubeKey{6}
	s.AddCube(frozen(k1, "first"), types.AddOptions{})

	select {
	case info := <-ch:
		if info.Key != k1 {
			t.Errorf("unexpected info delivered: %+v", info)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the listener to observe the first AddCube")
	}

	cancel()

	k2 := types.CubeKey{7}
	s.AddCube(frozen(k2, "second"), types.AddOptions{})

	// The channel is not closed by cancel; it just never receives again.
	select {
	case info, ok := <-ch:
		if ok {
			t.Fatalf("expected no further delivery after cancel, got %+v", info)
		}
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing arrives.
	}
}

func Test_SubscribeNotificationAdded_DeliversMatchingCube(t *testing.T) {
	s := New()
	ch, cancel := s.SubscribeNotificationAdded()
	defer cancel()

	nk := types.NotificationKey{42}
	k := types.CubeKey{8}
	c := types.Cube{Info: types.CubeInfo{Key: k, Variant: types.PIC, NotifyKey: &nk, Blob: []byte("hi")}}
	s.AddCube(c, types.AddOptions{})

	select {
	case ev := <-ch:
		if ev.Recipient != nk || string(ev.Cube.Info.Blob) != "hi" {
			t.Errorf("unexpected notification event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification event for a cube carrying a NotifyKey")
	}
}

func Test_ExpectCube_ResolvesImmediatelyIfAlreadyStored(t *testing.T) {
	s := New()
	k := types.CubeKey{10}
	s.AddCube(frozen(k, "present"), types.AddOptions{})

	w := s.ExpectCube(k)
	got := w.Wait()
	if string(got.Blob) != "present" {
		t.Errorf("expected an immediately fulfilled waiter, got %+v", got)
	}
}

func Test_ExpectCube_ResolvesOnLaterArrival(t *testing.T) {
	s := New()
	k := types.CubeKey{11}
	w := s.ExpectCube(k)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.AddCube(frozen(k, "arrived"), types.AddOptions{})
	}()

	got := w.Wait()
	if string(got.Blob) != "arrived" {
		t.Errorf("expected the waiter to settle once the cube arrives, got %+v", got)
	}
}

func Test_GetCubesByNotify_ReturnsAllMatches(t *testing.T) {
	s := New()
	nk := types.NotificationKey{77}
	c1 := types.Cube{Info: types.CubeInfo{Key: types.CubeKey{12}, Variant: types.PIC, NotifyKey: &nk, Blob: []byte("one")}}
	c2 := types.Cube{Info: types.CubeInfo{Key: types.CubeKey{13}, Variant: types.PIC, NotifyKey: &nk, Blob: []byte("two")}}
	s.AddCube(c1, types.AddOptions{})
	s.AddCube(c2, types.AddOptions{})

	got := s.GetCubesByNotify(nk)
	if len(got) != 2 {
		t.Fatalf("expected 2 matching cubes, got %d", len(got))
	}
}

func Test_ListCubeInfos_ReflectsAllStoredCubes(t *testing.T) {
	s := New()
	s.AddCube(frozen(types.CubeKey{14}, "a"), types.AddOptions{})
	s.AddCube(frozen(types.CubeKey{15}, "b"), types.AddOptions{})

	infos := s.ListCubeInfos()
	if len(infos) != 2 {
		t.Fatalf("expected 2 infos, got %d", len(infos))
	}
}
