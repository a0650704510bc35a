package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"contest-proxy-system/handlers"
	"contest-proxy-system/middleware"
	"contest-proxy-system/models"
	"contest-proxy-system/services"
	"contest-proxy-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/csrf"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		AppName: "contest-proxy-system",
	})

	app.Use(middleware.RequestLogger())

	sessions := session.New()

	// Anti-forgery token provider. The rewriter injects the token into
	// every backend POST form, so validation holds across forwarded pages.
	app.Use(csrf.New(csrf.Config{
		KeyLookup:  "form:" + handlers.CSRFField,
		ContextKey: handlers.CSRFField,
		Expiration: 1 * time.Hour,
	}))

	// Session store: postgres when configured, in-memory otherwise.
	var store services.SessionStore
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			log.Fatal("failed to connect to database:", err)
		}
		if err := db.AutoMigrate(
			&models.User{},
			&models.Participation{},
		); err != nil {
			log.Fatal("failed to migrate database:", err)
		}
		store = services.NewGormSessionStore(db)
	} else {
		log.Println("⚠️  DATABASE_URL not set, using in-memory session store (sessions lost on restart)")
		store = services.NewMemorySessionStore()
	}

	// Backend transport: HTTP to the CGI endpoints, or direct CGI
	// invocation on the ejudge host.
	var backend services.BackendClient
	switch mode := os.Getenv("EJUDGE_MODE"); mode {
	case "cgi":
		cgiRoot := os.Getenv("EJUDGE_CGI_ROOT")
		if cgiRoot == "" {
			cgiRoot = "/opt/ejudge/libexec/ejudge/cgi-bin"
		}
		backend = services.NewCGIBackendClient(cgiRoot)
		log.Printf("✅ Backend mode: cgi (%s)", cgiRoot)
	case "", "http":
		baseURL := os.Getenv("EJUDGE_BASE_URL")
		if baseURL == "" {
			log.Fatal("EJUDGE_BASE_URL environment variable not set")
		}
		backend = services.NewHTTPBackendClient(baseURL)
		log.Printf("✅ Backend mode: http (%s)", baseURL)
	default:
		log.Fatalf("unknown EJUDGE_MODE %q (want http or cgi)", mode)
	}

	manager := services.NewSessionManager(store, backend)
	rewriter := services.NewResponseRewriter(services.DefaultStages(handlers.CSRFField)...)

	handlers.SetupProxyRoutes(app, &handlers.ProxyHandler{
		Manager:   manager,
		Rewriter:  rewriter,
		Store:     store,
		Sessions:  sessions,
		AssetsURL: os.Getenv("EJUDGE_ASSETS_URL"),
	})

	sweepMinutes := 30
	if raw := os.Getenv("SWEEP_INTERVAL_MINUTES"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("invalid SWEEP_INTERVAL_MINUTES %q", raw)
		}
		sweepMinutes = parsed
	}
	if sweepMinutes > 0 {
		sweeper := workers.NewSessionSweepWorker(store, backend, time.Duration(sweepMinutes)*time.Minute)
		sweeper.Start()
		log.Printf("✅ Stale-session sweep running (every %dm)", sweepMinutes)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Contest proxy running on http://localhost:%s", port)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
