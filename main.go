package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	pendingListLimit         = 25
	nearbyProtestLimit       = 10
	nearbyRadiusKm           = 2.0
	operatorCookieName       = "protestmap_operator_session"
	operatorSessionDuration  = 8 * time.Hour
	geocoderTimeout          = 10 * time.Second
	devCORSOriginLocalhost   = "http://localhost:5173"
	devCORSOriginLoopback    = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4 = "127.0.0.1"
	trustedProxyLoopbackIPv6 = "::1"
)

// Fallback map center used before any entry with coordinates is selected.
var defaultMapCenter = [2]float64{31.7749837, 35.219797}

// Coordinates is a decimal-degrees latitude/longitude pair as stored on a
// pending entry.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PendingProtest is a crowd-submitted protest candidate awaiting review.
type PendingProtest struct {
	ID            string       `json:"id"`
	DisplayName   *string      `json:"displayName"`
	StreetAddress *string      `json:"streetAddress"`
	Coordinates   *Coordinates `json:"coordinates"`
	WhatsAppLink  *string      `json:"whatsAppLink"`
	TelegramLink  *string      `json:"telegramLink"`
	Notes         *string      `json:"notes"`
	MeetingTime   *string      `json:"meetingTime"`
	Archived      bool         `json:"archived"`
	CreatedAt     string       `json:"createdAt"`
}

// ProtestParams is the explicit form record submitted on approval. Coords is
// attached by the workflow from the current map position, never by the client.
type ProtestParams struct {
	DisplayName     string     `json:"displayName"`
	StreetAddress   string     `json:"streetAddress"`
	WhatsAppLink    string     `json:"whatsAppLink"`
	TelegramLink    string     `json:"telegramLink"`
	Notes           string     `json:"notes"`
	MeetingTime     string     `json:"meetingTime"`
	Coords          [2]float64 `json:"coords"`
	SourcePendingID string     `json:"sourcePendingId"`
}

// NearbyProtest is a read-only projection of a published protest returned by
// the proximity query. Recomputed on selection change, never persisted.
type NearbyProtest struct {
	ID            string     `json:"id"`
	LatLng        [2]float64 `json:"latlng"`
	DisplayName   *string    `json:"displayName"`
	StreetAddress *string    `json:"streetAddress"`
	WhatsAppLink  *string    `json:"whatsAppLink"`
	TelegramLink  *string    `json:"telegramLink"`
	Notes         *string    `json:"notes"`
	MeetingTime   *string    `json:"meetingTime"`
	CreatedAt     string     `json:"createdAt"`
}

// Protest is a published, publicly visible protest row.
type Protest struct {
	ID              string  `json:"id"`
	DisplayName     *string `json:"displayName"`
	StreetAddress   *string `json:"streetAddress"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	WhatsAppLink    *string `json:"whatsAppLink"`
	TelegramLink    *string `json:"telegramLink"`
	Notes           *string `json:"notes"`
	MeetingTime     *string `json:"meetingTime"`
	SourcePendingID *string `json:"sourcePendingId"`
	CreatedAt       string  `json:"createdAt"`
}

type OperatorSession struct {
	Email string `json:"email"`
}

type Config struct {
	Addr                      string
	Env                       string
	DatabaseURL               string
	PublicBaseURL             string
	AppSigningSecret          string
	BootstrapOperatorEmail    string
	BootstrapOperatorPassword string
	MapboxAccessToken         string
	GeocoderProvider          string
	ResendAPIKey              string
	AlertEmailTo              string
	MailerFromAddresses       map[string]string
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	geocoder Geocoder
	mailer   *Mailer

	reviewMu sync.Mutex
	reviews  map[string]*ReviewSession

	// gateway functions, swappable in tests
	listPendingProtests   func(ctx context.Context) ([]PendingProtest, error)
	createProtest         func(ctx context.Context, params ProtestParams) error
	archivePendingProtest func(ctx context.Context, id string) (bool, error)
	findNearbyProtests    func(ctx context.Context, center [2]float64, radiusKm float64) ([]NearbyProtest, error)
	listProtests          func(ctx context.Context) ([]Protest, error)

	authenticateOperator func(ctx context.Context, email, password string) error
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		panic(err)
	}

	var geocoder Geocoder
	httpClient := &http.Client{Timeout: geocoderTimeout}

	mapbox := &MapboxGeocoder{AccessToken: cfg.MapboxAccessToken, Client: httpClient}
	nominatim := &NominatimGeocoder{UserAgent: "ProtestMap-API/1.0", Client: httpClient}

	switch cfg.GeocoderProvider {
	case "mapbox":
		geocoder = mapbox
	case "nominatim":
		geocoder = nominatim
	default:
		geocoder = &FallbackGeocoder{Primary: mapbox, Secondary: nominatim}
	}

	var mailProvider MailProvider
	if cfg.ResendAPIKey != "" {
		mailProvider = NewResendProvider(cfg.ResendAPIKey)
		logger.Info("mailer initialized", "provider", "resend")
	} else {
		mailProvider = NewLogProvider(logger)
		logger.Info("mailer initialized", "provider", "log")
	}
	mailClient := NewMailer(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()])

	app := &App{
		cfg:      cfg,
		db:       db,
		log:      logger,
		geocoder: geocoder,
		mailer:   mailClient,
		reviews:  make(map[string]*ReviewSession),
	}

	// Wire gateway functions to the Postgres store
	app.listPendingProtests = app.storeListPendingProtests
	app.createProtest = app.storeCreateProtest
	app.archivePendingProtest = app.storeArchivePendingProtest
	app.findNearbyProtests = app.storeFindNearbyProtests
	app.listProtests = app.storeListProtests
	app.authenticateOperator = app.authenticateOperatorCredentials

	logger.Info("runtime configuration", "env", cfg.Env, "addr", cfg.Addr)

	if err := app.runMigrations(ctx); err != nil {
		panic(err)
	}

	if err := app.bootstrapOperator(ctx); err != nil {
		panic(err)
	}

	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		panic(err)
	}
	r.Use(gin.Recovery())
	r.Use(app.loggingMiddleware())
	r.Use(app.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	app.registerRoutes(r)

	app.log.Info("starting gin API", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		panic(err)
	}
}

func (a *App) registerRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")

	opAuth := api.Group("/operator/auth")
	{
		opAuth.POST("/login", a.operatorLoginHandler)
		opAuth.POST("/logout", a.operatorLogoutHandler)
		opAuth.GET("/session", a.operatorSessionHandler)
	}

	op := api.Group("/operator")
	op.Use(a.requireOperatorSession())
	{
		op.GET("/pending", a.pendingQueueHandler)
		op.POST("/pending/:id/select", a.selectPendingHandler)
		op.POST("/pending/submit", a.submitProtestHandler)
		op.POST("/pending/:id/archive", a.archivePendingHandler)
		op.POST("/pending/:id/geocode", a.geocodePendingHandler)
		op.POST("/position", a.updatePositionHandler)
		op.GET("/nearby", a.nearbyProtestsHandler)
		op.GET("/exports/protests", a.exportProtestsHandler)
	}
}

func loadConfig() (*Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PG*/POSTGRES_* variables must be configured")
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	publicBase := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	if publicBase == "" {
		publicBase = "https://protestmap.org"
	}
	publicBase = strings.TrimRight(publicBase, "/")

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "development"
	}

	cfg := &Config{
		Addr:                      valueOrDefault("GIN_ADDR", ":8080"),
		Env:                       env,
		DatabaseURL:               databaseURL,
		PublicBaseURL:             publicBase,
		AppSigningSecret:          secret,
		BootstrapOperatorEmail:    strings.TrimSpace(os.Getenv("BOOTSTRAP_OPERATOR_EMAIL")),
		BootstrapOperatorPassword: strings.TrimSpace(os.Getenv("BOOTSTRAP_OPERATOR_PASSWORD")),
		MapboxAccessToken:         strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		GeocoderProvider:          strings.TrimSpace(os.Getenv("GEOCODER_PROVIDER")),
		ResendAPIKey:              strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		AlertEmailTo:              valueOrDefault("ALERT_EMAIL_TO", "ops@protestmap.local"),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "noreply@mail1.protestmap.org"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "noreply@protestmap.local"),
		},
	}

	return cfg, nil
}

func loadDotEnvFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), "\"")
		if os.Getenv(key) == "" {
			_ = os.Setenv(key, value)
		}
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(filepath.Join("migrations", file))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) bootstrapOperator(ctx context.Context) error {
	email := a.cfg.BootstrapOperatorEmail
	password := a.cfg.BootstrapOperatorPassword
	if email == "" || password == "" {
		a.log.Info("bootstrap operator not configured")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO operators (email, password_hash, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (email)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			is_active = TRUE,
			updated_at = NOW()
	`, email, string(hash))
	if err != nil {
		return err
	}

	a.log.Info("bootstrap operator ensured", "email", email)
	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
