package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meter-recharge/config"
	"meter-recharge/internal/adapter/upstream"
	"meter-recharge/internal/core/ports"

	"github.com/rs/zerolog"
)

const loginPath = "/api/v1/login"

// Authenticator implements ports.MeterAuthenticator. The session token lives
// in the shared TokenCache so every instance reuses one login.
type Authenticator struct {
	api      *upstream.Client
	username string
	password string
	cache    ports.TokenCache
	ttl      time.Duration
	mu       sync.Mutex
	log      zerolog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg config.MeterConfig, cache ports.TokenCache, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		api: upstream.New(upstream.Settings{
			Name:            "meter-auth",
			BaseURL:         cfg.BaseURL,
			BreakerFailures: cfg.BreakerFailures,
			BreakerCooldown: cfg.BreakerCooldown,
		}, log),
		username: cfg.Username,
		password: cfg.Password,
		cache:    cache,
		ttl:      cfg.TokenTTL,
		log:      log,
	}
}

// Token returns the cached session token, logging in on a miss.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	if token := a.cached(ctx); token != "" {
		return token, nil
	}

	// One login per instance at a time; concurrent callers wait and reuse it.
	a.mu.Lock()
	defer a.mu.Unlock()
	if token := a.cached(ctx); token != "" {
		return token, nil
	}

	token, err := a.login(ctx)
	if err != nil {
		return "", err
	}
	if err := a.cache.Set(ctx, token, a.ttl); err != nil {
		a.log.Warn().Err(err).Msg("cache meter token")
	}
	a.log.Info().Msg("meter platform login")
	return token, nil
}

// Invalidate drops the cached token so the next Token call logs in again.
func (a *Authenticator) Invalidate(ctx context.Context) error {
	return a.cache.Delete(ctx)
}

func (a *Authenticator) cached(ctx context.Context) string {
	token, err := a.cache.Get(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("meter token cache read failed")
		return ""
	}
	return token
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginReply struct {
	Token string `json:"token"`
	Data  struct {
		Token string `json:"token"`
	} `json:"data"`
	ErrorMsg string `json:"errorMsg"`
	Msg      string `json:"msg"`
}

func (a *Authenticator) login(ctx context.Context) (string, error) {
	rep, err := a.api.Do(ctx, http.MethodPost, loginPath, nil, loginRequest{Username: a.username, Password: a.password})
	if err != nil {
		return "", fmt.Errorf("meter login: %w", err)
	}

	var r loginReply
	if err := json.Unmarshal(rep.Body, &r); err != nil {
		return "", fmt.Errorf("meter login: HTTP %d: decode: %w", rep.StatusCode, err)
	}
	token := r.Token
	if token == "" {
		token = r.Data.Token
	}
	if !rep.OK() || token == "" {
		msg := r.ErrorMsg
		if msg == "" {
			msg = r.Msg
		}
		if msg == "" {
			msg = "no token in reply"
		}
		return "", fmt.Errorf("meter login: HTTP %d: %w", rep.StatusCode, errors.New(msg))
	}
	return token, nil
}
