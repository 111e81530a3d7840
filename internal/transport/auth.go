package transport

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/solicitudes/internal/config"
	"github.com/pitabwire/solicitudes/model"
)

// errUnknownKey marks tokens whose verification key cannot be resolved.
var errUnknownKey = errors.New("unknown signing key")

// JWKSClient resolves token verification keys from an identity provider's
// JSON Web Key Set. Keys are cached for ttl; a failed refresh falls back to
// the cached set.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	group      singleflight.Group

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	lastFetch time.Time
}

// NewJWKSClient creates a client for the key set at url.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("jwks"),
		keys:       map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.lastFetch) <= c.ttl
}

// GetKey returns the public key for kid, fetching the key set when kid is
// not cached or the cache is stale.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	if key, ok, fresh := c.cached(kid); ok && fresh {
		return key, nil
	}

	// Concurrent misses share one fetch.
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh()
	})

	key, ok, _ := c.cached(kid)
	switch {
	case ok && err != nil:
		c.logger.Warn("refresh failed, serving cached key", zap.String("kid", kid), zap.Error(err))
		return key, nil
	case ok:
		return key, nil
	case err != nil:
		return nil, fmt.Errorf("jwks fetch: %w", err)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownKey, kid)
	}
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	tooSoon := len(c.keys) > 0 && time.Since(c.lastFetch) < c.minRefresh
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("decode key set: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			c.logger.Warn("skipping key", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		if pub != nil {
			keys[k.Kid] = pub
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	c.logger.Debug("key set refreshed", zap.Int("keys", len(keys)))
	return nil
}

// jsonWebKey holds the members of RSA and EC public keys (RFC 7517/7518).
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// publicKey returns nil, nil for key types that cannot verify tokens here.
func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeB64Int("n", k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeB64Int("e", k.E)
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		curve, err := namedCurve(k.Crv)
		if err != nil {
			return nil, err
		}
		x, err := decodeB64Int("x", k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeB64Int("y", k.Y)
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, nil
	}
}

func namedCurve(crv string) (elliptic.Curve, error) {
	switch crv {
	case "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", crv)
	}
}

func decodeB64Int(member, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %q", member)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", member, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWTAuthenticator returns middleware that verifies the bearer token and
// stores its claims in the request context. HMAC tokens are checked against
// hmacSecret and all other methods are resolved by kid through jwks. Either
// source may be absent; tokens needing the missing one are rejected.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient, hmacSecret []byte) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if len(hmacSecret) == 0 {
				return nil, fmt.Errorf("%w: no shared secret for %s", errUnknownKey, token.Method.Alg())
			}
			return hmacSecret, nil
		}
		if jwks == nil {
			return nil, fmt.Errorf("%w: no key set for %s", errUnknownKey, token.Method.Alg())
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: token has no kid", errUnknownKey)
		}
		return jwks.GetKey(kid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, keyFunc)
			if err != nil || !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any(claims))))
		})
	}
}

// classifyJWTError turns a verification failure into a client message.
func classifyJWTError(err error) string {
	switch {
	case err == nil:
		return "Invalid token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, errUnknownKey):
		return "Unknown signing key"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid) && strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
