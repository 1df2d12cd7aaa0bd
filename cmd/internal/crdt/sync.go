package crdt

import (
	v1 "github.com/luce-labs/meerkat/shared/contracts/sync/v1"
)

// ReadSyncMessage handles one sync sub-message read from d.
//
//   - step 1 (state vector): answered with a step 2 carrying what the peer is missing.
//   - step 2 / update: applied to e with origin; no answer.
//
// The returned reply is a complete framed SYNC message, or nil.
func ReadSyncMessage(d *v1.Decoder, e Engine, origin any) ([]byte, error) {
	typ, payload, err := v1.ReadSyncMessage(d)
	if err != nil {
		return nil, err
	}

	switch typ {
	case v1.SyncStep1:
		diff, err := e.EncodeDiff(payload)
		if err != nil {
			return nil, err
		}
		return v1.EncodeSyncStep2(diff), nil
	default:
		return nil, e.ApplyUpdate(payload, origin)
	}
}
