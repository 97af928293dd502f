package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"

	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/config"
	"pipecrm.org/internal/httpapi"
	"pipecrm.org/internal/notify"
	"pipecrm.org/internal/obs"
	"pipecrm.org/internal/revocation"
	"pipecrm.org/internal/session"
	"pipecrm.org/internal/throttle"
	"pipecrm.org/internal/verify"
)

var version = "0.3.0"

func main() {
	obs.Init()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		log.Fatalf("config: PIPECRM_PG_DSN is required")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)

	store := auth.NewPGStore(db)
	issuer, err := auth.NewIssuer("pipecrm", cfg.AccessSecret, cfg.RefreshSecret, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}
	rev := revocation.New(rdb)

	sessions, err := session.NewService(
		store,
		issuer,
		resolver,
		rev,
		throttle.New(rdb, cfg.ThrottleWindow, cfg.ThrottleMax),
		verify.New(rdb, cfg.CodeTTL),
	)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sessions.EnsureBuiltins(ctx); err != nil {
		cancel()
		log.Fatalf("seed builtins: %v", err)
	}
	cancel()

	registry := notify.NewRegistry()

	api := httpapi.New(httpapi.Config{
		Sessions:  sessions,
		Store:     store,
		Issuer:    issuer,
		Resolver:  resolver,
		Blacklist: rev,
		Registry:  registry,
		Ready:     httpapi.ReadyProbe{DB: db, Redis: rdb},
		Version:   version,
		DevMode:   cfg.DevMode,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting pipecrm-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryAuthInterceptor(issuer, rev)))
		httpapi.RegisterGRPC(grpcSrv, httpapi.NewHealthServer())
		go func() {
			log.Printf("gRPC listening on %s", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	registry.Shutdown()
	_ = rdb.Close()
	_ = db.Close()
	log.Println("Stopped")
}
