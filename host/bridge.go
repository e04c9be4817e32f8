package host

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"posdesk/util/goroutine"
)

const (
	tokenIssuer    = "posdesk"
	tokenScope     = "bridge"
	maxRequestBody = 16 << 20
	secretSize     = 32
)

// BridgeConfig configures the loopback IPC bridge
type BridgeConfig struct {
	Addr              string
	TokenPath         string
	TokenTTL          time.Duration
	AllowedOrigins    []string
	RequestsPerSecond float64
	Burst             int
}

// StatusFunc reports application state for GET /status
type StatusFunc func() any

// Claims identifies the front end holding a bridge token
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// StatusReport is the body of GET /status
type StatusReport struct {
	Plugins      []string `json:"plugins"`
	Commands     []string `json:"commands"`
	EventClients int      `json:"event_clients"`
	App          any      `json:"app,omitempty"`
}

// Bridge exposes the host to the front end over loopback HTTP and WebSocket.
type Bridge struct {
	host    *Host
	cfg     BridgeConfig
	status  StatusFunc
	logger  *zap.SugaredLogger
	limiter *rate.Limiter

	secret []byte
	token  string

	router   *mux.Router
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBridge creates a bridge with a fresh signing secret and token. Nothing
// listens until Start.
func NewBridge(h *Host, cfg BridgeConfig, status StatusFunc, logger *zap.SugaredLogger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 200
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate bridge secret: %w", err)
	}

	b := &Bridge{
		host:    h,
		cfg:     cfg,
		status:  status,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		secret:  secret,
	}

	token, err := b.issueToken()
	if err != nil {
		return nil, err
	}
	b.token = token

	h.Events().AllowOrigins(cfg.AllowedOrigins)
	b.router = b.routes()
	b.server = &http.Server{
		Handler:           b.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return b, nil
}

func (b *Bridge) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(b.corsMiddleware)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(b.rateLimitMiddleware, b.authMiddleware)
	api.HandleFunc("/invoke/{command}", b.handleInvoke).Methods(http.MethodPost)
	api.HandleFunc("/status", b.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/events", b.host.Events().ServeWS).Methods(http.MethodGet)

	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Handler returns the bridge's router
func (b *Bridge) Handler() http.Handler {
	return b.router
}

// Token returns the bearer token accepted by this bridge
func (b *Bridge) Token() string {
	return b.token
}

// Addr returns the bound address once started, else the configured one
func (b *Bridge) Addr() string {
	if b.listener != nil {
		return b.listener.Addr().String()
	}
	return b.cfg.Addr
}

// Start binds the listener, writes the token file and serves in the
// background together with the event hub.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.cfg.Addr, err)
	}
	b.listener = ln

	if b.cfg.TokenPath != "" {
		if err := writeTokenFile(b.cfg.TokenPath, b.token); err != nil {
			ln.Close()
			return err
		}
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		defer goroutine.Recover("event-hub", b.logger)
		b.host.Events().Start()
	}()
	go func() {
		defer b.wg.Done()
		defer goroutine.Recover("bridge-serve", b.logger)
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Errorw("IPC bridge stopped unexpectedly", "error", err)
		}
	}()

	b.logger.Infow("IPC bridge listening",
		"addr", ln.Addr().String(),
		"token_path", b.cfg.TokenPath)
	return nil
}

// Stop shuts the server down, stops the event hub and removes the token file
func (b *Bridge) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		if shutdownErr := b.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("bridge shutdown: %w", shutdownErr)
		}
		b.host.Events().Stop()
		b.wg.Wait()

		if b.cfg.TokenPath != "" {
			if rmErr := os.Remove(b.cfg.TokenPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				b.logger.Warnw("Failed to remove bridge token file", "error", rmErr)
			}
		}
		b.logger.Info("IPC bridge stopped")
	})
	return err
}

func writeTokenFile(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("failed to write bridge token: %w", err)
	}
	return nil
}

func (b *Bridge) issueToken() (string, error) {
	now := time.Now()
	claims := &Claims{
		Scope: tokenScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(b.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   "frontend",
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign bridge token: %w", err)
	}
	return signed, nil
}

func (b *Bridge) validateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return b.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Scope != tokenScope {
		return nil, errors.New("token scope mismatch")
	}
	return claims, nil
}

func (b *Bridge) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			b.respondError(w, http.StatusUnauthorized, Errorf("unauthorized", "missing bearer token"))
			return
		}
		if _, err := b.validateToken(tokenString); err != nil {
			b.logger.Debugw("Bridge token rejected", "error", err)
			b.respondError(w, http.StatusUnauthorized, Errorf("unauthorized", "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter since browsers cannot set headers on
// WebSocket upgrades.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (b *Bridge) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.limiter.Allow() {
			b.respondError(w, http.StatusTooManyRequests, Errorf("rate_limited", "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && b.host.Events().checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) handleInvoke(w http.ResponseWriter, r *http.Request) {
	command := mux.Vars(r)["command"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		b.respondError(w, http.StatusRequestEntityTooLarge, Errorf(KindInvalidRequest, "request body too large"))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		b.respondError(w, http.StatusBadRequest, Errorf(KindInvalidRequest, "request body is not valid JSON"))
		return
	}

	resp := b.host.Invoke(r.Context(), command, body)
	b.respondJSON(w, statusFor(resp), resp)
}

func (b *Bridge) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := StatusReport{
		Plugins:      b.host.Plugins(),
		Commands:     b.host.Commands(),
		EventClients: b.host.Events().ClientCount(),
	}
	if b.status != nil {
		report.App = b.status()
	}
	b.respondJSON(w, http.StatusOK, report)
}

func statusFor(resp Response) int {
	if resp.OK {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case KindUnknownCommand:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInternal:
		return http.StatusInternalServerError
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func (b *Bridge) respondError(w http.ResponseWriter, statusCode int, cerr *CommandError) {
	b.respondJSON(w, statusCode, Response{ID: uuid.NewString(), Error: cerr})
}

func (b *Bridge) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		b.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}
