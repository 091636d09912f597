package oauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// jwksDocument is the JSON document served at the issuer's JWKS endpoint.
type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`
	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSCache fetches and caches the issuer's signing keys. A stale key set is
// served while a single-flight refresh runs in the background; an unknown
// kid forces a blocking refresh to pick up key rotation.
type JWKSCache struct {
	url       string
	ttl       time.Duration
	staleTime time.Duration
	client    *http.Client

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time

	sf singleflight.Group
}

// NewJWKSCache creates a cache over the given JWKS URL.
func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSCache{
		url:       url,
		ttl:       ttl,
		staleTime: ttl, // one extra TTL of stale grace
		client:    client,
		keys:      make(map[string]crypto.PublicKey),
	}
}

// Key returns the public key for kid. Fresh cache hits return immediately;
// a stale hit returns the cached key and refreshes asynchronously; a miss
// refreshes synchronously (key rotation).
func (c *JWKSCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	age := time.Since(c.fetchedAt)
	c.mu.RUnlock()

	if ok {
		if age < c.ttl {
			return key, nil
		}
		if age < c.ttl+c.staleTime {
			go c.refreshAsync()
			return key, nil
		}
	}

	if err := c.refresh(ctx); err != nil {
		if ok {
			// Refresh failed but we still hold a key; serve it rather
			// than rejecting every request during an issuer outage.
			slog.Warn("jwks refresh failed, serving stale key", "error", err)
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key with kid %q in jwks", kid)
	}
	return key, nil
}

func (c *JWKSCache) refreshAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.refresh(ctx); err != nil {
		slog.Warn("background jwks refresh failed", "error", err)
	}
}

// refresh fetches the JWKS document. Concurrent refreshes coalesce.
func (c *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := c.sf.Do("jwks", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read jwks: %w", err)
		}

		var doc jwksDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse jwks: %w", err)
		}

		keys := make(map[string]crypto.PublicKey, len(doc.Keys))
		for _, k := range doc.Keys {
			pub, err := k.publicKey()
			if err != nil {
				slog.Warn("skipping unparseable jwk", "kid", k.Kid, "kty", k.Kty, "error", err)
				continue
			}
			keys[k.Kid] = pub
		}

		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// publicKey converts a JWK into a crypto.PublicKey. Only asymmetric key
// types are supported.
func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decode n: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decode e: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil

	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decode x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decode y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported kty %q", k.Kty)
	}
}
