package refs

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind tags a reference with the entity type it points at.
type Kind string

const (
	KindRefund Kind = "REFUND"
	KindSale   Kind = "SALE"
	KindCard   Kind = "CARD"
)

var (
	ErrMalformedReference = errors.New("malformed reference")
	ErrKindMismatch       = errors.New("reference kind mismatch")
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode renders an internal identity as an opaque external reference.
func Encode(kind Kind, id uuid.UUID) string {
	return string(kind) + "_" + encoding.EncodeToString(id[:])
}

// Decode recovers the internal identity from an external reference,
// rejecting references tagged with a different entity kind.
func Decode(kind Kind, reference string) (uuid.UUID, error) {
	tag, body, ok := strings.Cut(reference, "_")
	if !ok || body == "" {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedReference, reference)
	}
	if Kind(tag) != kind {
		return uuid.Nil, fmt.Errorf("%w: want %s, got %s", ErrKindMismatch, kind, tag)
	}
	raw, err := encoding.DecodeString(body)
	if err != nil || len(raw) != 16 {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedReference, reference)
	}
	return uuid.FromBytes(raw)
}

// NewReference mints a fresh identity and its external reference together.
func NewReference(kind Kind) (uuid.UUID, string) {
	id := uuid.New()
	return id, Encode(kind, id)
}
