package database

import (
	"context"
	"time"
)

const TrustedCertificateCollectionName = "trusted_certificates"

type TrustedCertificate struct {
	Thumbprint  string    `bson:"thumbprint"`
	Subject     string    `bson:"subject"`
	Certificate []byte    `bson:"certificate"`
	NotAfter    time.Time `bson:"not_after"`
	AddedAt     time.Time `bson:"added_at"`
}

// TrustStore persists the certificates of trusted peers, keyed by their
// thumbprint.
type TrustStore interface {
	IsTrusted(ctx context.Context, thumbprint string) (bool, error)
	AddTrustedPeer(ctx context.Context, cert *TrustedCertificate) error
	RemoveTrustedPeer(ctx context.Context, thumbprint string) error
}
