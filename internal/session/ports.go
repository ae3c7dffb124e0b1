package session

import "context"

// SecretResolver is the out-of-scope secret-resolution port the configure
// phase calls. The core does not implement secret resolution.
type SecretResolver interface {
	Resolve(ctx context.Context, s *Session) (map[string]string, error)
}

// CosignMode selects the verification policy's enforcement level.
type CosignMode string

const (
	CosignOff     CosignMode = "off"
	CosignWarn    CosignMode = "warn"
	CosignEnforce CosignMode = "enforce"
)

// CosignStrategy selects how the verifier authenticates a signature.
type CosignStrategy string

const (
	CosignKeyless CosignStrategy = "keyless"
	CosignKey     CosignStrategy = "key"
)

// VerificationPolicy is passed to the verification port alongside the image
// reference and its published digests.
type VerificationPolicy struct {
	Mode     CosignMode
	Strategy CosignStrategy
	Issuer   string // OIDC issuer, keyless strategy only
	Identity string // expected signer identity, keyless strategy only
}

// ImageVerifier is the out-of-scope signature-verification port the
// lifecycle engine calls before provisioning. The core does not
// implement verification itself.
type ImageVerifier interface {
	Verify(ctx context.Context, imageRef string, digests []string, policy VerificationPolicy) (bool, error)
}
