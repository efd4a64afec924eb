package fuzzy

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/jabolina/verity/internal/codec"
	"github.com/jabolina/verity/pkg/verity/core"
	"github.com/jabolina/verity/pkg/verity/types"
	"github.com/jabolina/verity/verityhelpers"
	"go.uber.org/goleak"
)

// The six concrete end-to-end scenarios from spec.md §8, run against the
// linear S — FN1 — FN2 — R test network (S, R light; FN1, FN2 full),
// PoW difficulty 0, retention disabled throughout — grounded on
// commit_test.go's style: build a harness, drive sequential operations
// against it, tear down, assert no goroutine leaked.

func mustCube(t *testing.T, c *codec.Codec, key types.CubeKey, variant types.Variant, date uint64, updateCount uint64, notify *types.NotificationKey, content string) types.Cube {
	t.Helper()
	info := types.CubeInfo{Key: key, Variant: variant, Date: date, UpdateCount: updateCount, NotifyKey: notify}
	raw, err := c.Encode(info, []byte(content))
	if err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	cube, err := c.Decode(raw)
	if err != nil {
		t.Fatalf("decode fixture back: %v", err)
	}
	return cube
}

// freshMUCKeypair generates an ed25519 seed and the derived public key
// the scenarios address MUC/PMUC cubes under.
func freshMUCKeypair(t *testing.T) (seedKey types.CubeKey, pub types.CubeKey) {
	t.Helper()
	seed := make([]byte, types.KeySize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	seedKey, err := types.KeyFromBytes(seed)
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pk := priv.Public().(ed25519.PublicKey)
	pub, err = types.KeyFromBytes(pk)
	if err != nil {
		t.Fatalf("pub key: %v", err)
	}
	return seedKey, pub
}

func teardown(t *testing.T, net *verityhelpers.Network, ti *verityhelpers.TestInvoker) {
	t.Helper()
	net.Close()
	if !verityhelpers.WaitThisOrTimeout(ti.Wait, 5*time.Second) {
		verityhelpers.PrintStackTrace(t)
		t.Fatal("spawned goroutines did not exit after Close")
	}
	goleak.VerifyNone(t)
}

func Test_Scenario1_FrozenCubeOverNetwork(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{})
	defer teardown(t, net, ti)

	c := codec.New()
	cube := mustCube(t, c, types.CubeKey{}, types.Frozen, 1000000, 0, nil, "cubus sum")
	if _, ok, _ := net.S.Store.AddCube(cube, types.AddOptions{}); !ok {
		t.Fatal("S failed to store the seed cube")
	}

	time.Sleep(200 * time.Millisecond)

	info, ok := net.R.Facade.GetCubeInfo(cube.Info.Key)
	if !ok {
		t.Fatal("R failed to resolve the cube over the network")
	}
	got, ok := net.R.Store.GetCube(info.Key)
	if !ok {
		t.Fatal("R's facade resolved but the cube never landed in R's store")
	}
	if body := string(codec.Content(got.Raw[:])); !strings.Contains(body, "cubus sum") {
		t.Errorf("expected R's cube content to contain %q, got %q", "cubus sum", body)
	}
}

func Test_Scenario2_MUCSubscribeFetchLiveUpdate(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{})
	defer teardown(t, net, ti)

	c := codec.New()
	seedKey, p := freshMUCKeypair(t)

	cube1 := mustCube(t, c, seedKey, types.MUC, 1000001, 0, nil, "cubus usoris mutabilis sum")
	if _, ok, _ := net.S.Store.AddCube(cube1, types.AddOptions{}); !ok {
		t.Fatal("S failed to store the initial MUC")
	}

	ch, cancel := net.R.Facade.SubscribeCube(p)
	defer cancel()

	info, ok := net.R.Facade.GetCubeInfo(p)
	if !ok {
		t.Fatal("R failed to explicitly fetch the MUC")
	}
	got, ok := net.R.Store.GetCube(info.Key)
	if !ok || !strings.Contains(string(codec.Content(got.Raw[:])), "cubus usoris mutabilis sum") {
		t.Fatalf("R's store doesn't contain the initial MUC content: %v", got)
	}

	cube2 := mustCube(t, c, seedKey, types.MUC, 1000002, 0, nil, "ab domino meo renovatus sum")
	if _, ok, _ := net.S.Store.AddCube(cube2, types.AddOptions{}); !ok {
		t.Fatal("S failed to store the updated MUC")
	}

	select {
	case live := <-ch:
		if body := string(codec.Content(live.Raw[:])); !strings.Contains(body, "ab domino meo renovatus sum") {
			t.Errorf("live sequence yielded unexpected content: %q", body)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("R's live update sequence never yielded the published update")
	}

	got, ok = net.R.Store.GetCube(p)
	if !ok || !strings.Contains(string(codec.Content(got.Raw[:])), "ab domino meo renovatus sum") {
		t.Fatalf("R's store didn't update to the new content: %v", got)
	}
}

func Test_Scenario3_SubscriptionRenewal(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{SubscriptionPeriod: time.Second})
	defer teardown(t, net, ti)

	c := codec.New()
	seedKey, p := freshMUCKeypair(t)

	cube1 := mustCube(t, c, seedKey, types.MUC, 1000001, 0, nil, "cubus usoris mutabilis sum")
	net.S.Store.AddCube(cube1, types.AddOptions{})

	ch, cancel := net.R.Facade.SubscribeCube(p)
	defer cancel()
	if _, ok := net.R.Facade.GetCubeInfo(p); !ok {
		t.Fatal("R failed to explicitly fetch the MUC")
	}

	// Outlast the 1s grant; the scheduler's renewal timer fires well
	// before expiry and re-subscribes on R's behalf.
	time.Sleep(1200 * time.Millisecond)

	cube3 := mustCube(t, c, seedKey, types.MUC, 1000003, 0, nil, "iterum atque iterum renovari possum")
	net.S.Store.AddCube(cube3, types.AddOptions{})

	select {
	case live := <-ch:
		if body := string(codec.Content(live.Raw[:])); !strings.Contains(body, "iterum atque iterum renovari possum") {
			t.Errorf("post-renewal update had unexpected content: %q", body)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("renewed subscription never forwarded the later update")
	}
}

func Test_Scenario4_ConcurrentUpdateContest(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{})
	defer teardown(t, net, ti)

	c := codec.New()
	seedKey, p := freshMUCKeypair(t)

	cube1 := mustCube(t, c, seedKey, types.MUC, 1000001, 0, nil, "cubus usoris mutabilis sum")
	net.S.Store.AddCube(cube1, types.AddOptions{})

	ch, cancel := net.R.Facade.SubscribeCube(p)
	defer cancel()
	if _, ok := net.R.Facade.GetCubeInfo(p); !ok {
		t.Fatal("R failed to explicitly fetch the MUC")
	}

	cubeS := mustCube(t, c, seedKey, types.MUC, 1000005, 0, nil, "duos dominos habeo")
	cubeR := mustCube(t, c, seedKey, types.MUC, 1000006, 0, nil, "de potestate mea pugnant")

	// R (co-owner of P) publishes the higher-dated version locally before
	// S's lower-dated one has had a chance to arrive.
	net.S.Store.AddCube(cubeS, types.AddOptions{})
	net.R.Store.AddCube(cubeR, types.AddOptions{})

	const want = "de potestate mea pugnant"
	deadline := time.After(1 * time.Second)
	var lastSeen string
drain:
	for {
		select {
		case live := <-ch:
			lastSeen = string(codec.Content(live.Raw[:]))
			if strings.Contains(lastSeen, want) {
				break drain
			}
		case <-deadline:
			break drain
		}
	}
	if !strings.Contains(lastSeen, want) {
		t.Errorf("R's live sequence never converged on %q, last saw %q", want, lastSeen)
	}

	time.Sleep(300 * time.Millisecond)
	sCube, ok := net.S.Store.GetCube(p)
	if !ok || !strings.Contains(string(codec.Content(sCube.Raw[:])), want) {
		t.Errorf("S never converged to the higher-dated content: %v", sCube)
	}
}

func Test_Scenario5_Cancellation(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{SubscriptionPeriod: time.Second})
	defer teardown(t, net, ti)

	c := codec.New()
	seedKey, p := freshMUCKeypair(t)

	cube1 := mustCube(t, c, seedKey, types.MUC, 1000001, 0, nil, "cubus usoris mutabilis sum")
	net.S.Store.AddCube(cube1, types.AddOptions{})

	ch, cancel := net.R.Facade.SubscribeCube(p)
	if _, ok := net.R.Facade.GetCubeInfo(p); !ok {
		t.Fatal("R failed to explicitly fetch the MUC")
	}

	cube2 := mustCube(t, c, seedKey, types.MUC, 1000002, 0, nil, "ab domino meo renovatus sum")
	net.S.Store.AddCube(cube2, types.AddOptions{})

	select {
	case <-ch:
	case <-time.After(1 * time.Second):
		t.Fatal("pre-cancel update never arrived")
	}

	net.R.Facade.CancelCubeSubscription(p)
	cancel()

	// The current grant still runs to completion; wait it out.
	time.Sleep(1200 * time.Millisecond)

	cube3 := mustCube(t, c, seedKey, types.MUC, 1000007, 0, nil, "nemo hunc nuntium videbit")
	net.S.Store.AddCube(cube3, types.AddOptions{})

	time.Sleep(300 * time.Millisecond)

	got, ok := net.R.Store.GetCube(p)
	if !ok {
		t.Fatal("R's store lost the cube entirely")
	}
	body := string(codec.Content(got.Raw[:]))
	if !strings.Contains(body, "ab domino meo renovatus sum") {
		t.Errorf("R's store should still hold the pre-cancel content, got %q", body)
	}
	if strings.Contains(body, "nemo hunc nuntium videbit") {
		t.Errorf("R's store incorporated a post-cancellation update")
	}
}

func Test_Scenario6_NotificationPropagation(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{})
	defer teardown(t, net, ti)

	c := codec.New()

	var notifyKey types.NotificationKey
	for i := range notifyKey {
		notifyKey[i] = 0x42
	}

	ch, cancel := net.R.Facade.SubscribeNotifications(notifyKey)
	defer cancel()

	cube := mustCube(t, c, types.CubeKey{}, types.PIC, 2000000, 0, &notifyKey, "Quaeso meam existentia cognoscas")
	if _, ok, _ := net.S.Store.AddCube(cube, types.AddOptions{}); !ok {
		t.Fatal("S failed to store the NOTIFY cube")
	}

	select {
	case got := <-ch:
		if body := string(codec.Content(got.Raw[:])); !strings.Contains(body, "Quaeso meam existentia cognoscas") {
			t.Errorf("notification sequence yielded unexpected content: %q", body)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("notification never reached R's facade sequence")
	}

	for _, h := range []*verityhelpers.NodeHandle{net.FN1, net.FN2, net.R} {
		if !h.Store.HasCube(cube.Info.Key) {
			t.Errorf("expected the cube to have propagated to %s", h.ID)
		}
	}
}

// Test_GetNotifications_RepeatedCallsForSameRecipientDoNotLeak guards
// against a stale requestedNotifications/expectedNotifications map entry
// outliving its settled waiter: a second GetNotifications round for a
// recipient nothing ever answers for must not hand back an
// already-drained PendingRequest and block its internal waiter goroutine
// forever. teardown's goleak.VerifyNone is what actually catches a
// regression here.
func Test_GetNotifications_RepeatedCallsForSameRecipientDoNotLeak(t *testing.T) {
	ti := verityhelpers.NewTestInvoker()
	core.SetInvoker(ti)
	net := verityhelpers.NewLinearNetwork(verityhelpers.NetworkOptions{RequestTimeout: 20 * time.Millisecond})
	defer teardown(t, net, ti)

	var recipient types.NotificationKey
	for i := range recipient {
		recipient[i] = 0x7a
	}

	for round := 0; round < 2; round++ {
		ch := net.R.Facade.GetNotifications(recipient)
		drained := false
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					drained = true
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("round %d: GetNotifications never closed its output channel", round)
			}
			if drained {
				break
			}
		}
	}
}
