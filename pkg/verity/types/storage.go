package types

// AddOptions configures CubeStore.AddCube, per spec.md §6.
type AddOptions struct {
	// AutoIncrementPmuc, when true, lets the store bump a PMUC's update
	// counter itself (used when the local application authors a new
	// version). Peer-supplied cubes are always added with this false
	// (spec.md §4.3.6): the scheduler must never mutate peer-supplied
	// cubes.
	AutoIncrementPmuc bool
}

// CubeStore is the persistent cube storage and indexing collaborator the
// retrieval subsystem depends on (spec.md §6). Out of scope for this
// repository's correctness; pkg/verity/memstore ships a default
// in-memory implementation grounded on the teacher's
// types.InMemoryStateMachine + Storage interface, used to exercise the
// end-to-end scenarios in spec.md §8.
type CubeStore interface {
	// AddCube stores cube if it's new or wins contest against what's
	// already stored; returns the stored CubeInfo, or ok=false if the
	// cube lost contest or was rejected. stored reports whether this call
	// actually wrote something new (a first write or a contest win); it
	// is false when ok is true but the delivery was an exact duplicate
	// of what's already held, so callers crediting reputation only for
	// newly-accepted content don't reward a resend of known data.
	AddCube(cube Cube, opts AddOptions) (info CubeInfo, ok bool, stored bool)

	GetCube(key CubeKey) (Cube, bool)
	GetCubeInfo(key CubeKey) (CubeInfo, bool)
	HasCube(key CubeKey) bool
	GetNumberOfStoredCubes() int

	// SubscribeCubeAdded registers a new fan-out listener, fired once per
	// successful store. The returned cancel func must be called once the
	// caller is done listening.
	SubscribeCubeAdded() (ch <-chan CubeInfo, cancel func())

	// SubscribeNotificationAdded registers a new fan-out listener, fired
	// once per successful store of a cube carrying a NOTIFY field.
	SubscribeNotificationAdded() (ch <-chan NotificationEvent, cancel func())

	// ExpectCube returns a one-shot waiter resolved by the next matching
	// CubeAdded event for key.
	ExpectCube(key CubeKey) *PendingRequest[CubeInfo]
}

// NotificationEvent is the (recipient, cube) pair CubeStore.NotificationAdded
// emits.
type NotificationEvent struct {
	Recipient NotificationKey
	Cube      Cube
}

// CubeCodec is the binary encoding/validation collaborator the scheduler
// calls on every delivered cube before it ever reaches CubeStore (spec.md
// §4.3.6 step 1). Out of scope for this repository's own correctness
// (spec.md §1); internal/codec ships a minimal implementation used to
// build and validate test fixtures.
type CubeCodec interface {
	// Decode validates and parses a 1024-byte binary record into a Cube,
	// failing on malformed input, insufficient proof-of-work, or (for
	// MUC/PMUC) a bad signature.
	Decode(raw []byte) (Cube, error)

	// Encode is the inverse of Decode, used by tests to build fixtures.
	Encode(info CubeInfo, content []byte) ([]byte, error)
}
