package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"karya/internal/domain"
	"karya/internal/repo"
)

type AuthConfig struct {
	// JWTSecret signs admin tokens. Box tokens are signed with the box's
	// own key, issued at registration.
	JWTSecret string
	Logger    *log.Logger
}

// Principal identifies the authenticated caller: a box on the sync surface,
// or an admin on the management surface.
type Principal struct {
	Subject string
	Box     *domain.Box
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

func boxFromContext(ctx context.Context) (domain.Box, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Box != nil {
		return *p.Box, nil
	}
	return domain.Box{}, newAPIError(http.StatusUnauthorized, "unauthorized", "box authentication required", nil)
}

// authenticateBox verifies a token signed with the calling box's key. The
// subject claim names the box; its stored key is the HMAC secret.
func authenticateBox(ctx context.Context, r repo.Repo, token string) (Principal, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	var box domain.Box
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*jwt.RegisteredClaims)
		if !ok || c.Subject == "" {
			return nil, errors.New("subject claim required")
		}
		b, err := r.GetBox(ctx, r.DB, c.Subject)
		if err != nil {
			return nil, err
		}
		if b.Key == nil || *b.Key == "" {
			return nil, errors.New("box is not registered")
		}
		box = b
		return []byte(*b.Key), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	return Principal{Subject: box.ID, Box: &box, Source: "box"}, nil
}

func authenticateAdmin(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
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
	return Principal{Subject: claims.Subject, Source: "admin"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	registerPath := path.Join(basePath, "box/register")
	boxPrefix := path.Join(basePath, "box") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path; signed file reads and docs
			// carry their own verification.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			switch req.URL.Path {
			case healthPath, registerPath:
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}

			var principal Principal
			var err error
			if strings.HasPrefix(req.URL.Path, boxPrefix) {
				principal, err = authenticateBox(req.Context(), r, token)
			} else {
				principal, err = authenticateAdmin(token, cfg.JWTSecret)
			}
			if err != nil {
				cfg.logger().Printf("auth failed for %s: %v", req.URL.Path, err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
