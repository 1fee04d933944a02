package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"skillfi/auth"
	"skillfi/db"
	"skillfi/dispute"
	"skillfi/escrow"
	"skillfi/ledger"
	"skillfi/staking"
	"skillfi/throttle"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ledgerRepo := ledger.NewRepository()
	ledgerSvc := ledger.NewService(pool, ledgerRepo)

	stakingSvc, err := staking.NewService(pool, ledgerRepo, staking.DefaultConfig())
	if err != nil {
		log.Fatalf("bootstrap staking: %v", err)
	}

	disputeSvc := dispute.NewService(pool, stakingSvc, dispute.DefaultConfig())
	escrowSvc := escrow.NewService(pool, ledgerRepo, throttle.DefaultConfig()).
		WithDisputeOpener(disputeSvc).
		WithQuarantiner(ledgerSvc)
	disputeSvc.WithSettler(escrowSvc)

	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)

	server := &Server{
		authService:    authSvc,
		ledgerService:  ledgerSvc,
		stakingService: stakingSvc,
		escrowService:  escrowSvc,
		disputeService: disputeSvc,
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("settlement api listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
