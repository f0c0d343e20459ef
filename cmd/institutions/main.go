package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/carto-services/institutions-api/core/api"
	"github.com/carto-services/institutions-api/core/csql"
	"github.com/carto-services/institutions-api/core/logger"
	"github.com/carto-services/institutions-api/core/metrics"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres        string        `env:"POSTGRES,required" description:"the connection string for the Postgres DB"`
	Port            int           `env:"PORT,default=3000"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=10"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=5m"`
	UpdateSchema    bool          `env:"UPDATE_SCHEMA,default=true"`
}

func main() {
	godotenv.Load()
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)

	db, err := csql.Open(service.Postgres, csql.PoolConfig{
		MaxOpenConns:    service.MaxOpenConns,
		MaxIdleConns:    service.MaxIdleConns,
		ConnMaxLifetime: service.ConnMaxLifetime,
	})
	if err != nil {
		logger.Default().WithError(err).Fatalln("cannot connect to postgres")
	}
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	metrics.Instrument(router)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api.MustNew(&api.Builder{
		DB:           db,
		Router:       router,
		UpdateSchema: service.UpdateSchema,
	})

	corsRouter := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", service.Port),
		Handler:      corsRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Default().Infoln("listen on port", service.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Default().WithError(err).Fatalln("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Default().WithError(err).Errorln("shutdown:", err)
	}
}
