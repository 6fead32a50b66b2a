package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"vaultline/internal/config"
)

// AuthConfig controls request authentication.
type AuthConfig struct {
	JWTSecret        string
	AllowActorHeader bool
	APIKeys          []config.APIKeyConfig
	Logger           *log.Logger
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return "anonymous"
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func authenticateAPIKey(key string, keys []config.APIKeyConfig) (Principal, error) {
	sum := sha256.Sum256([]byte(key))
	hashed := hex.EncodeToString(sum[:])
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(hashed), []byte(strings.ToLower(k.KeyHash))) == 1 {
			return Principal{ActorID: k.ActorID, Roles: k.Roles, Source: "api_key"}, nil
		}
	}
	return Principal{}, errors.New("unknown api key")
}

// roleFor maps permissions onto roles. An empty role list means a local
// trusted caller (actor header) with full access.
var rolePermissions = map[string][]string{
	"adapter":  {"intake.write", "item.read", "ledger.read"},
	"reasoner": {"intake.write", "item.read", "item.write", "approval.request", "ledger.read"},
	"executor": {"item.read", "approval.check", "item.write", "ledger.read", "ledger.write"},
	"human":    {"intake.write", "item.read", "item.write", "approval.request", "approval.decide", "approval.check", "ledger.read", "ledger.write", "dashboard.read", "dashboard.write"},
	"viewer":   {"item.read", "ledger.read", "dashboard.read"},
}

func (p Principal) allowed(perm string) bool {
	if len(p.Roles) == 0 {
		return true
	}
	for _, role := range p.Roles {
		if role == "owner" || role == "admin" {
			return true
		}
		for _, granted := range rolePermissions[role] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

func requirePermission(ctx context.Context, perm string) error {
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !p.allowed(perm) {
		return newAPIError(http.StatusForbidden, "forbidden", "permission denied", map[string]any{"permission": perm})
	}
	return nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthPath || r.URL.Path == "/docs" || strings.HasSuffix(r.URL.Path, "/openapi.json") {
				next.ServeHTTP(w, r)
				return
			}
			var p Principal
			var err error
			switch {
			case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
				token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				p, err = authenticateJWT(token, cfg.JWTSecret)
			case r.Header.Get("X-Api-Key") != "":
				p, err = authenticateAPIKey(r.Header.Get("X-Api-Key"), cfg.APIKeys)
			case cfg.AllowActorHeader:
				actor := r.Header.Get("X-Actor-Id")
				if actor == "" {
					actor = "local-user"
				}
				p = Principal{ActorID: actor, Source: "header"}
			default:
				err = errors.New("no credentials")
			}
			if err != nil {
				cfg.logger().Printf("auth: %s %s rejected: %v", r.Method, r.URL.Path, err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"}}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}
