package server

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var testOperator = common.HexToAddress("0x00000000000000000000000000000000000000e5")

func TestNewAuthenticatorRequiresMechanismAndOperator(t *testing.T) {
	if _, err := NewAuthenticator(AuthConfig{Operator: testOperator}); err == nil {
		t.Fatalf("expected error without bearer token or mTLS")
	}
	if _, err := NewAuthenticator(AuthConfig{BearerToken: "  ", Operator: testOperator}); err == nil {
		t.Fatalf("expected whitespace token to be rejected")
	}
	if _, err := NewAuthenticator(AuthConfig{BearerToken: "secret"}); err == nil {
		t.Fatalf("expected zero operator to be rejected")
	}
}

func TestAuthenticateBearerTokens(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{BearerToken: "topsecret", Operator: testOperator})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "valid token", header: "Bearer topsecret", want: true},
		{name: "case insensitive scheme", header: "bearer topsecret", want: true},
		{name: "invalid token", header: "Bearer notsecret", want: false},
		{name: "wrong scheme", header: "Basic topsecret", want: false},
		{name: "missing token", header: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/admin/sale/rate", nil)
			if tt.header != "" {
				request.Header.Set("Authorization", tt.header)
			}
			principal, got := auth.authenticate(request)
			if got != tt.want {
				t.Fatalf("authenticate() = %v, want %v", got, tt.want)
			}
			if got && principal.Operator != testOperator {
				t.Fatalf("bearer principal operator = %s, want configured operator", principal.Operator.Hex())
			}
		})
	}
}

func TestAuthenticateByMTLSVerifiedChain(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{AllowMTLS: true, Operator: testOperator})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/admin/sale/rate", nil)
	if principal := auth.authenticateByMTLS(request); principal != nil {
		t.Fatalf("expected plain request to be rejected")
	}
	request.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{{}}},
	}
	principal := auth.authenticateByMTLS(request)
	if principal == nil {
		t.Fatalf("expected verified chain to be accepted")
	}
	if principal.Method != "mtls" {
		t.Fatalf("unexpected method: %q", principal.Method)
	}
	if principal.Operator != testOperator {
		t.Fatalf("operator = %s, want configured fallback", principal.Operator.Hex())
	}
}

func TestMTLSOperatorFromCertificateCommonName(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{AllowMTLS: true, Operator: testOperator})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	certOperator := common.HexToAddress("0x00000000000000000000000000000000000000f6")
	request := httptest.NewRequest(http.MethodGet, "/admin/sale/rate", nil)
	request.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{{
			Subject: pkix.Name{CommonName: certOperator.Hex()},
		}}},
	}
	principal := auth.authenticateByMTLS(request)
	if principal == nil {
		t.Fatalf("expected verified chain to be accepted")
	}
	if principal.Operator != certOperator {
		t.Fatalf("operator = %s, want address bound in certificate", principal.Operator.Hex())
	}

	request.TLS = &tls.ConnectionState{
		VerifiedChains: [][]*x509.Certificate{{{
			Subject: pkix.Name{CommonName: "ops-team"},
		}}},
	}
	principal = auth.authenticateByMTLS(request)
	if principal == nil || principal.Operator != testOperator {
		t.Fatalf("non-address common name must fall back to configured operator, got %+v", principal)
	}
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{BearerToken: "secret", Operator: testOperator})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok || principal.Method != "bearer" || principal.Operator != testOperator {
			t.Fatalf("expected bearer principal acting as operator, got %+v", principal)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/admin/sale/rate", nil)
	request.Header.Set("Authorization", "Bearer secret")
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("status = %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodGet, "/admin/sale/rate", nil)
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", recorder.Code)
	}
}

func TestParseBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer abc":   "abc",
		"Bearer  abc ": "abc",
		"abc":          "",
		"":             "",
		"Basic abc":    "",
	}
	for header, want := range cases {
		if got := parseBearerToken(header); got != want {
			t.Fatalf("parseBearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
