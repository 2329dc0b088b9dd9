package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/synckit/syncserver/errs"
)

// Config carries the enumerated auth settings from the deployment
// configuration.
type Config struct {
	// AuthRequired, when false, auto-authenticates every connection as an
	// admin principal named "anonymous". Never the default in production.
	AuthRequired bool
	JWTSecret    []byte
	JWTIssuer    string
	JWTAudience  string

	AccessTokenTTL time.Duration
	APIKeys        map[string]struct{}
}

// Gate validates connection credentials and resolves permissions.
type Gate struct {
	cfg Config
}

// NewGate builds a Gate from cfg.
func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// claims is the custom JWT claim set this deployment issues/accepts.
type claims struct {
	jwt.RegisteredClaims
	Email       string      `json:"email,omitempty"`
	Permissions Permissions `json:"permissions"`
}

// Validate resolves cred into a TokenPayload, or returns a KindAuth error.
// Expired payloads are rejected. When the gate's AuthRequired is false,
// every credential (including an empty one) resolves to an anonymous
// admin principal.
func (g *Gate) Validate(cred Credential) (*TokenPayload, error) {
	if !g.cfg.AuthRequired {
		return AnonymousAdmin(g.cfg.AccessTokenTTL), nil
	}

	switch {
	case cred.BearerToken != "":
		return g.validateJWT(cred.BearerToken)
	case cred.APIKey != "":
		return g.validateAPIKey(cred.APIKey)
	default:
		return nil, errs.Auth(true, nil, "auth message carried no bearer token or api key")
	}
}

func (g *Gate) validateJWT(token string) (*TokenPayload, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Auth(true, nil, "unexpected signing method %v", t.Header["alg"])
		}
		return g.cfg.JWTSecret, nil
	},
		jwt.WithIssuer(g.cfg.JWTIssuer),
		jwt.WithAudience(g.cfg.JWTAudience),
	)
	if err != nil {
		return nil, errs.Auth(true, err, "invalid bearer token")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, errs.Auth(true, nil, "invalid bearer token claims")
	}

	payload := &TokenPayload{
		UserID:      c.Subject,
		Email:       c.Email,
		Permissions: c.Permissions,
	}
	if c.ExpiresAt != nil {
		payload.Exp = c.ExpiresAt.Time
	}
	if payload.Expired(time.Now()) {
		return nil, errs.Auth(true, nil, "bearer token expired at %s", payload.Exp)
	}
	return payload, nil
}

func (g *Gate) validateAPIKey(key string) (*TokenPayload, error) {
	if _, ok := g.cfg.APIKeys[key]; !ok {
		return nil, errs.Auth(true, nil, "unrecognized api key")
	}
	return &TokenPayload{
		UserID:      "apikey",
		Permissions: Permissions{IsAdmin: true},
		Exp:         time.Now().Add(g.cfg.AccessTokenTTL),
	}, nil
}

// IssueJWT signs a new token for the given payload, using the gate's
// configured secret/issuer/audience. Exposed so tests and a trusted
// control-plane caller can mint tokens without depending on a second
// library; production token issuance is an external collaborator.
func (g *Gate) IssueJWT(payload *TokenPayload, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payload.UserID,
			Issuer:    g.cfg.JWTIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:       payload.Email,
		Permissions: payload.Permissions,
	}
	if g.cfg.JWTAudience != "" {
		c.Audience = jwt.ClaimStrings{g.cfg.JWTAudience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(g.cfg.JWTSecret)
}
