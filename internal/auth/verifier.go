package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/videogrid/video-service/internal/store/redisstore"
)

var (
	ErrUnauthorized = errors.New("invalid or missing credentials")
	ErrForbidden    = errors.New("insufficient permissions")
)

// Principal is the authenticated caller. A system key carries tenant scope
// but no user identity; task ownership then falls back to the system user.
type Principal struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	IsSystemKey bool   `json:"is_system_key"`
}

// Verifier authenticates bearer tokens and API keys. Tokens signed with
// the shared secret are accepted locally; everything else goes to the
// identity service, with verdicts cached in redis for a short window.
type Verifier struct {
	Secret          string
	ServiceName     string
	VerifyTokenURL  string
	VerifyAPIKeyURL string

	Client   *http.Client
	Cache    *redisstore.Store
	CacheTTL time.Duration
	Log      zerolog.Logger
}

func NewVerifier(secret, serviceName, verifyTokenURL, verifyAPIKeyURL string, cache *redisstore.Store, log zerolog.Logger) *Verifier {
	return &Verifier{
		Secret:          secret,
		ServiceName:     serviceName,
		VerifyTokenURL:  verifyTokenURL,
		VerifyAPIKeyURL: verifyAPIKeyURL,
		Client:          &http.Client{Timeout: 5 * time.Second},
		Cache:           cache,
		CacheTTL:        time.Minute,
		Log:             log,
	}
}

// VerifyToken authenticates a bearer token against resource/action.
func (v *Verifier) VerifyToken(ctx context.Context, token, resource, action string) (Principal, error) {
	if p, ok := v.localToken(token); ok {
		return p, nil
	}
	return v.remote(ctx, v.VerifyTokenURL, map[string]string{
		"token":    token,
		"service":  v.ServiceName,
		"resource": resource,
		"action":   action,
	}, "tok:"+token+":"+resource+":"+action)
}

// VerifyAPIKey authenticates an API key against resource/action.
func (v *Verifier) VerifyAPIKey(ctx context.Context, key, resource, action string) (Principal, error) {
	return v.remote(ctx, v.VerifyAPIKeyURL, map[string]string{
		"api_key":  key,
		"service":  v.ServiceName,
		"resource": resource,
		"action":   action,
	}, "key:"+key+":"+resource+":"+action)
}

// localToken accepts tokens signed with our own shared secret without a
// network round trip. Anything that fails parsing falls through to the
// identity service.
func (v *Verifier) localToken(token string) (Principal, bool) {
	if v.Secret == "" {
		return Principal{}, false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(v.Secret), nil
	})
	if err != nil || !parsed.Valid {
		return Principal{}, false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, false
	}

	p := Principal{}
	if sub, err := claims.GetSubject(); err == nil {
		p.ID = sub
	}
	if tid, ok := claims["tenant_id"].(string); ok {
		p.TenantID = tid
	}
	if p.ID == "" {
		return Principal{}, false
	}
	return p, true
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Results struct {
		ID       string `json:"id"`
		UserID   string `json:"user_id"`
		TenantID string `json:"tenant_id"`
		KeyType  string `json:"key_type"`
	} `json:"results"`
}

func (v *Verifier) remote(ctx context.Context, url string, payload map[string]string, cacheKey string) (Principal, error) {
	ck := "auth:" + hashKey(cacheKey)
	if v.Cache != nil {
		if raw, ok, err := v.Cache.Get(ctx, ck); err == nil && ok {
			var p Principal
			if json.Unmarshal([]byte(raw), &p) == nil {
				return p, nil
			}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Principal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Principal{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.Client.Do(req)
	if err != nil {
		return Principal{}, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Principal{}, ErrUnauthorized
	}
	if resp.StatusCode == http.StatusForbidden {
		return Principal{}, ErrForbidden
	}
	if resp.StatusCode != http.StatusOK || !vr.Success {
		if strings.Contains(strings.ToLower(vr.Message), "permission") {
			return Principal{}, ErrForbidden
		}
		return Principal{}, ErrUnauthorized
	}

	p := Principal{
		ID:          vr.Results.ID,
		TenantID:    vr.Results.TenantID,
		IsSystemKey: vr.Results.KeyType == "system",
	}
	if p.ID == "" {
		p.ID = vr.Results.UserID
	}

	if v.Cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			if err := v.Cache.SetTTL(ctx, ck, string(raw), v.CacheTTL); err != nil {
				v.Log.Debug().Err(err).Msg("auth verdict cache write failed")
			}
		}
	}
	return p, nil
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
