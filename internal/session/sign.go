package session

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/trailsd/trails/internal/wire"
)

// canonicalRegisterBytes returns the bytes a register/re_register signature
// is computed over: a self-proof-of-possession covering the identity fields
// the Handler is about to trust. Field order is fixed by struct declaration
// order, which encoding/json preserves for a single marshal call, giving a
// stable canonical form without a separate canonicalization pass.
func canonicalRegisterBytes(childID, claimedParent uuid.UUID, name string, pubKey []byte) []byte {
	type signable struct {
		ChildID       uuid.UUID `json:"child_id"`
		ClaimedParent uuid.UUID `json:"claimed_parent_id"`
		Name          string    `json:"name"`
		PubKey        []byte    `json:"pub_key"`
	}
	raw, _ := json.Marshal(signable{ChildID: childID, ClaimedParent: claimedParent, Name: name, PubKey: pubKey})
	return raw
}

// canonicalMessageBytes returns the bytes a data-path message signature is
// computed over: the header and payload, per spec.md §4.2's "canonical
// serialization of (header, payload)".
func canonicalMessageBytes(header *wire.MessageHeader, payload json.RawMessage) []byte {
	type signable struct {
		Header  *wire.MessageHeader `json:"header"`
		Payload json.RawMessage     `json:"payload"`
	}
	raw, _ := json.Marshal(signable{Header: header, Payload: payload})
	return raw
}

// verify reports whether sig is a valid ed25519 detached signature over data
// under pubKey. Standard-library crypto/ed25519 is used deliberately here;
// see DESIGN.md for why no third-party signing package from the corpus fits.
func verify(pubKey, data, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig)
}

func keysEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// signControl signs an outbound control envelope with the hub's identity
// key, over the same (header, payload)-shaped canonical form used for
// inbound data-path messages, substituting action+correlation_id for the
// header.
func signControl(priv []byte, ctrl wire.Control) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	type signable struct {
		Action        string          `json:"action"`
		CorrelationID string          `json:"correlation_id"`
		Payload       json.RawMessage `json:"payload"`
	}
	raw, _ := json.Marshal(signable{Action: ctrl.Action, CorrelationID: ctrl.CorrelationID, Payload: ctrl.Payload})
	return ed25519.Sign(ed25519.PrivateKey(priv), raw)
}
