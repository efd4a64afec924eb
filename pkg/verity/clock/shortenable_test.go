package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

func Test_ShortenableTimer_FiresAfterSet(t *testing.T) {
	var fired int32
	tm := NewShortenableTimer(func() { atomic.StoreInt32(&fired, 1) })
	tm.Set(20 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("expected the timer to have fired")
	}
}

func Test_ShortenableTimer_SetOnlyShortens(t *testing.T) {
	var fired int32
	tm := NewShortenableTimer(func() { atomic.StoreInt32(&fired, 1) })

	tm.Set(30 * time.Millisecond)
	tm.Set(200 * time.Millisecond) // longer: must not replace the sooner deadline

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatal("expected the original, shorter deadline to have fired")
	}
}

func Test_ShortenableTimer_ClearDisarms(t *testing.T) {
	var fired int32
	tm := NewShortenableTimer(func() { atomic.StoreInt32(&fired, 1) })
	tm.Set(20 * time.Millisecond)
	tm.Clear()

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("expected Clear to prevent the callback from firing")
	}
	if tm.Remaining() != 0 {
		t.Errorf("expected no time remaining on a cleared timer, got %v", tm.Remaining())
	}
}

func Test_ShortenableTimer_Remaining(t *testing.T) {
	tm := NewShortenableTimer(func() {})
	tm.Set(500 * time.Millisecond)
	if r := tm.Remaining(); r <= 0 || r > 500*time.Millisecond {
		t.Errorf("expected remaining to be within (0, 500ms], got %v", r)
	}
}
