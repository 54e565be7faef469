// Package auth attributes HTTP requests to a user, either through an OIDC
// login kept in a cookie session or a fixed development user.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
)

type contextKey string

const (
	userIDContextKey contextKey = "auth.user_id"
	sessionUserKey              = "user_id"
)

// Modes accepted in Config.Mode.
const (
	ModeNone = "none"
	ModeDev  = "dev"
	ModeOIDC = "oidc"
)

const (
	CallbackPath = "/auth/callback"
	LogoutPath   = "/auth/logout"
)

type Config struct {
	Mode           string
	DevUser        string
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	SessionKey     string
	SessionTTL     time.Duration
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieDomain   string
	FallbackURL    string
	// PublicPaths are served without a login, e.g. health and metrics.
	PublicPaths []string
}

type Manager struct {
	mode          string
	devUser       string
	oidcConfig    *baseliboidc.OidcConfiguration
	sessionStore  *sessions.CookieStore
	cookieOptions *sessions.Options
	fallbackURL   string
	publicPaths   map[string]bool
	logger        *slog.Logger
}

func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		mode:        cfg.Mode,
		devUser:     cfg.DevUser,
		fallbackURL: cfg.FallbackURL,
		publicPaths: map[string]bool{CallbackPath: true},
		logger:      logger,
	}
	for _, p := range cfg.PublicPaths {
		m.publicPaths[p] = true
	}
	switch cfg.Mode {
	case "", ModeNone:
		m.mode = ModeNone
		return m, nil
	case ModeDev:
		if m.devUser == "" {
			m.devUser = "dev-user"
		}
		return m, nil
	case ModeOIDC:
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}

	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	store := sessions.NewCookieStore(hashKey, blockKey)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.CookieSameSite == 0 {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: cfg.CookieSameSite,
		Domain:   cfg.CookieDomain,
	}
	store.Options = options
	store.MaxAge(options.MaxAge)

	m.sessionStore = store
	m.cookieOptions = options
	m.oidcConfig = baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL)
	return m, nil
}

// Mode reports the effective auth mode.
func (m *Manager) Mode() string {
	return m.mode
}

// RegisterRoutes adds the login callback and logout endpoints in OIDC mode.
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	if m.mode != ModeOIDC {
		return
	}
	mux.Handle(CallbackPath, m.callbackHandler())
	mux.HandleFunc(LogoutPath, m.handleLogout)
}

// Middleware attaches the acting user to the request context and, in OIDC
// mode, redirects unauthenticated requests to the login flow.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	switch m.mode {
	case ModeDev:
		return DevUserMiddleware(m.devUser)(next)
	case ModeOIDC:
		guarded := m.oidcConfig.CreateOidcAuthenticationMiddleware(m.isAuthenticated, m.isPublic)(next)
		return m.withUser(guarded)
	default:
		return next
	}
}

func (m *Manager) isPublic(r *http.Request) bool {
	return m.publicPaths[r.URL.Path]
}

func (m *Manager) callbackHandler() http.Handler {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

func (m *Manager) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err == nil {
		session.Options = cloneOptions(m.cookieOptions)
		session.Options.MaxAge = -1
		_ = session.Save(r, w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, ok := m.userIDFromSession(r); ok {
			r = r.WithContext(ContextWithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Manager) isAuthenticated(r *http.Request) bool {
	_, ok := m.userIDFromSession(r)
	return ok
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// Actor names the user of ctx for logs, "anonymous" when there is none.
func Actor(ctx context.Context) string {
	if userID, ok := UserIDFromContext(ctx); ok {
		return userID
	}
	return "anonymous"
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func DevUserMiddleware(userID string) func(http.Handler) http.Handler {
	if userID == "" {
		userID = "dev-user"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	if claims.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	session.Options = cloneOptions(m.cookieOptions)
	session.Values[sessionUserKey] = claims.Subject
	m.logger.Info("user logged in", "user", claims.Subject)
	return session.Save(r, w)
}

func (m *Manager) userIDFromSession(r *http.Request) (string, bool) {
	if m.sessionStore == nil {
		return "", false
	}
	session, err := m.sessionStore.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return "", false
	}
	userID, ok := session.Values[sessionUserKey].(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

// parseSessionKey accepts base64 or raw text of at least 32 bytes. An empty
// key yields a random one, so sessions do not survive restarts.
func parseSessionKey(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	trimmed := strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(trimmed), nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	return hmacSHA256(masterKey, []byte("auth")), hmacSHA256(masterKey, []byte("enc"))
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	copied := *opts
	return &copied
}
