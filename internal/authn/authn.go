// Package authn implements the Server's authentication boundary: JWT
// RS256 bearer verification, an IP-CIDR trust allowlist that bypasses
// bearer verification for the Daemon and localhost, TLS/mTLS listener
// configuration, and an issued-token bookkeeping table.
package authn

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier verifies bearer tokens and recognizes trusted source addresses.
type Verifier struct {
	publicKey   *rsa.PublicKey
	trustedNets []*net.IPNet
}

// NewVerifier loads an RS256 public key from pemPath and compiles
// trustedCIDRs (the Daemon's own address and localhost, typically) into an
// allowlist.
func NewVerifier(pemPath string, trustedCIDRs []string) (*Verifier, error) {
	pemBytes, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse jwt public key: %w", err)
	}

	nets := make([]*net.IPNet, 0, len(trustedCIDRs))
	for _, cidr := range trustedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse trusted cidr %q: %w", cidr, err)
		}
		nets = append(nets, n)
	}

	return &Verifier{publicKey: key, trustedNets: nets}, nil
}

// IsTrustedAddr reports whether remoteAddr (host:port or bare host) falls
// inside a configured trusted CIDR, granting it a bearer-check bypass.
func (v *Verifier) IsTrustedAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range v.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// VerifyBearer parses and validates an RS256 bearer token, returning its
// subject and token id claims. Signature validity alone does not make the
// token usable; callers must also clear the revocation check, normally via
// VerifyBearerWithStore.
func (v *Verifier) VerifyBearer(tokenString string) (subject, jti string, err error) {
	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("verify bearer token: %w", err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("verify bearer token: missing subject claim")
	}
	return claims.Subject, claims.ID, nil
}

// VerifyBearerWithStore verifies the token's signature and then consults
// the token store's revocation flag, so a revoked token stops working
// ahead of its natural expiry. A nil store skips the revocation check; a
// token minted without a jti (issued out of band) is accepted on
// signature alone.
func (v *Verifier) VerifyBearerWithStore(tokenString string, tokens *TokenStore) (subject string, err error) {
	subject, jti, err := v.VerifyBearer(tokenString)
	if err != nil {
		return "", err
	}
	if tokens != nil && jti != "" {
		revoked, err := tokens.IsRevoked(jti)
		if err != nil {
			return "", fmt.Errorf("verify bearer token: %w", err)
		}
		if revoked {
			return "", fmt.Errorf("verify bearer token: token revoked")
		}
	}
	return subject, nil
}

// VerifyPeerCert extracts a subject identity from a verified client
// certificate, used as an alternate identity path for clients presenting
// one over mTLS.
func VerifyPeerCert(state *tls.ConnectionState) (subject string, ok bool) {
	if state == nil || len(state.VerifiedChains) == 0 {
		return "", false
	}
	leaf := state.VerifiedChains[0][0]
	if leaf.Subject.CommonName == "" {
		return "", false
	}
	return leaf.Subject.CommonName, true
}

// ListenerConfig builds the Server's TLS listener configuration: the
// server's own cert/key, and — when caBundlePath is non-empty — an
// optional-but-verified-if-given client certificate requirement.
func ListenerConfig(certPath, keyPath, caBundlePath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caBundlePath != "" {
		pem, err := os.ReadFile(caBundlePath)
		if err != nil {
			return nil, fmt.Errorf("read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client CA bundle: no certificates found")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return cfg, nil
}

// IssuedToken is the bookkeeping record persisted for every token minted by
// POST /auth/generate-token. The raw
// secret itself is never stored, only metadata sufficient to audit and
// revoke.
type IssuedToken struct {
	JTI       string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}
