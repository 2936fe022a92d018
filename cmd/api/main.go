package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/instalpay/pcnplan/broker"
	"github.com/instalpay/pcnplan/customer"
	"github.com/instalpay/pcnplan/db"
	"github.com/instalpay/pcnplan/external"
	"github.com/instalpay/pcnplan/payment"
	"github.com/instalpay/pcnplan/plan"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       env != "production",
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		log.Fatal("Cannot initialize zapsentry",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	stripeClient := external.NewStripeClient(os.Getenv("STRIPE_KEY"))

	// Initialize backend connections
	db, err := db.New(db.Options{
		URI:    os.Getenv("POSTGRES_URI"),
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	amqpBroker, err := broker.NewAMQPBroker(logger, os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	customerManager, err := customer.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	stripeGateway, err := payment.NewStripeGateway(payment.StripeGatewayOptions{
		StripeClient: stripeClient,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize StripeGateway",
			zap.Error(err),
		)
	}

	nonceStore, err := plan.NewNonceStore(rdb)
	if err != nil {
		logger.Fatal("Cannot initialize NonceStore",
			zap.Error(err),
		)
	}

	planMode := payment.ModeDirectSubscription
	if os.Getenv("PLAN_MODE") == string(payment.ModeScheduledCheckout) {
		planMode = payment.ModeScheduledCheckout
	}

	planManager, err := plan.NewManager(plan.ManagerOptions{
		Registry:   customerManager,
		Gateway:    stripeGateway,
		NonceStore: nonceStore,
		Producer:   amqpBroker,
		Logger:     logger,
		Mode:       planMode,
		BaseURL:    os.Getenv("SITE_URL"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize PlanManager",
			zap.Error(err),
		)
	}

	planRouter, err := plan.NewService(plan.ServiceOptions{
		PlanManager: planManager,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Plan Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{os.Getenv("SITE_URL")},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	rootRouter.Mount("/plans", planRouter.Router())

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    ":42069",
	}

	logger.Info("API started",
		zap.String("Mode", string(planMode)),
	)

	log.Fatalln(srv.ListenAndServe())
}
