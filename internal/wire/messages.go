// Package wire implements the framing and pluggable transports the
// retrieval subsystem depends on: length-prefixed binary frames carrying
// the message classes spec.md §6 dictates, over either a reliable group
// transport (github.com/jabolina/relt, the teacher's own dependency) or an
// in-process loopback transport used to build test networks.
package wire

import "github.com/jabolina/verity/pkg/verity/types"

// MessageTag identifies the class of an encoded frame's payload.
type MessageTag uint8

const (
	TagCubeRequest MessageTag = iota + 1
	TagCubeResponse
	TagNotificationRequest
	TagKeyRequest
	TagKeyResponse
	TagSubscribeCube
	TagSubscribeNotifications
	TagSubscriptionConfirmation
)

// KeyRequestMode enumerates the modes a KeyRequest can carry.
type KeyRequestMode int

const (
	SequentialStoreSync KeyRequestMode = iota
	NotificationChallenge
	NotificationTimestamp
	ExpressSync
)

// SubscriptionKind distinguishes a cube subscription from a notification
// subscription.
type SubscriptionKind int

const (
	SubscriptionCube SubscriptionKind = iota
	SubscriptionNotifications
)

// KeyFilter narrows a KeyRequest, per spec.md §6.
type KeyFilter struct {
	Notifies *types.NotificationKey
	TimeMin  uint64
	TimeMax  uint64
}

// CubeRequest asks for binary cubes by key.
type CubeRequest struct {
	Keys []types.CubeKey
}

// CubeResponse carries the binary cubes answering a CubeRequest.
type CubeResponse struct {
	Cubes [][]byte
}

// NotificationRequest is wire-identical to CubeRequest but tagged
// distinctly, asking for cubes carrying a NOTIFY field for the given
// recipients (direct notification mode, spec.md §4.3.3).
type NotificationRequest struct {
	RecipientKeys []types.NotificationKey
}

// KeyRequest asks a peer to offer keys it has, optionally filtered.
type KeyRequest struct {
	Mode   KeyRequestMode
	Filter *KeyFilter
}

// KeyResponse answers a KeyRequest with CubeInfo offers (no binary
// payload — the recipient decides whether to fetch).
type KeyResponse struct {
	Mode      KeyRequestMode
	CubeInfos []types.CubeInfo
}

// SubscribeCube asks the remote to push future updates of the given keys.
type SubscribeCube struct {
	Keys []types.CubeKey
	Kind SubscriptionKind
}

// SubscribeNotifications asks the remote to push notifications for the
// given recipient keys.
type SubscribeNotifications struct {
	Keys []types.NotificationKey
}

// SubscriptionConfirmation answers a subscribe message.
type SubscriptionConfirmation struct {
	Success          bool
	RequestedKeyBlob []byte
	CubesHashBlob    []byte
	Duration         uint64 // milliseconds
}
