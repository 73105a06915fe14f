package server

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AuthConfig configures how admin requests are authenticated and which
// engine operator identity they resolve to.
type AuthConfig struct {
	BearerToken string
	// Operator is the engine identity requests act as when the credential
	// itself does not carry one.
	Operator  common.Address
	AllowMTLS bool
}

// Authenticator verifies admin requests and resolves the operator identity
// the sale engine authorizes against.
type Authenticator struct {
	bearerToken string
	operator    common.Address
	allowBearer bool
	allowMTLS   bool
}

// Principal is the authenticated actor behind an admin request. Operator is
// the engine identity its calls are attributed to.
type Principal struct {
	Method   string
	Operator common.Address
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	allowBearer := token != ""
	if !allowBearer && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	if cfg.Operator == (common.Address{}) {
		return nil, fmt.Errorf("operator identity must be configured")
	}
	return &Authenticator{
		bearerToken: token,
		operator:    cfg.Operator,
		allowBearer: allowBearer,
		allowMTLS:   cfg.AllowMTLS,
	}, nil
}

// Middleware enforces authentication for admin endpoints.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		principal, ok := a.authenticate(r)
		if ok {
			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, bool) {
	if a == nil {
		return nil, false
	}
	if a.allowBearer {
		if principal := a.authenticateByBearer(r); principal != nil {
			return principal, true
		}
	}
	if a.allowMTLS {
		if principal := a.authenticateByMTLS(r); principal != nil {
			return principal, true
		}
	}
	return nil, false
}

func (a *Authenticator) authenticateByBearer(r *http.Request) *Principal {
	if r == nil {
		return nil
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) != 1 {
		return nil
	}
	return &Principal{Method: "bearer", Operator: a.operator}
}

func (a *Authenticator) authenticateByMTLS(r *http.Request) *Principal {
	if r == nil {
		return nil
	}
	state := r.TLS
	if state == nil {
		return nil
	}
	if len(state.VerifiedChains) > 0 {
		leaf := state.VerifiedChains[0][0]
		return &Principal{Method: "mtls", Operator: a.operatorFromCertificate(leaf)}
	}
	if len(state.PeerCertificates) > 0 && state.HandshakeComplete {
		return &Principal{Method: "mtls", Operator: a.operatorFromCertificate(state.PeerCertificates[0])}
	}
	return nil
}

// operatorFromCertificate resolves the operator identity carried in a client
// certificate. A common name holding a hex address binds the certificate to
// that operator; anything else falls back to the configured identity.
func (a *Authenticator) operatorFromCertificate(cert *x509.Certificate) common.Address {
	if cert == nil {
		return a.operator
	}
	if cn := strings.TrimSpace(cert.Subject.CommonName); common.IsHexAddress(cn) {
		return common.HexToAddress(cn)
	}
	return a.operator
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
