package license

import (
	"context"

	"mailreg/internal/security"
)

// ManagerInterface is the surface of Manager used by the service layer.
type ManagerInterface interface {
	IsLicenseRequired(ctx context.Context) bool
	CheckValidity(ctx context.Context) (*StatusReport, error)
	Status(ctx context.Context) (*StatusReport, error)
	Refresh(ctx context.Context) (*StatusReport, error)
	Activate(ctx context.Context, rawKey, clientIP string) (*ActivationResult, error)
	ResetDomain(ctx context.Context, fingerprint string) error
	Fingerprint() security.Fingerprint
}

var _ ManagerInterface = (*Manager)(nil)
