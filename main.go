package main

import (
	"log"
	"net/http"

	kafkago "github.com/segmentio/kafka-go"

	"payfort-service/internal/audit"
	"payfort-service/internal/config"
	"payfort-service/internal/db"
	"payfort-service/internal/fulfillment"
	"payfort-service/internal/kafka"
	"payfort-service/internal/logging"
	"payfort-service/internal/metrics"
	"payfort-service/internal/payment"
	"payfort-service/internal/server"
)

func main() {
	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := db.GetConnStr(cfg.Database)
	db.RunMigrations(connStr, "migrations")

	pool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	orderRepo := db.NewOrderRepository(pool)
	siteRepo := db.NewSiteRepository(pool)
	settlementRepo := db.NewSettlementRepository(pool)
	invoiceRepo := db.NewInvoiceRepository(pool)
	auditRepo := db.NewAuditRepository(pool)

	var auditWriter *kafkago.Writer
	if cfg.Kafka.Broker.URL != "" {
		auditWriter = kafka.NewWriter(cfg.Kafka)
		defer auditWriter.Close()
	}
	recorder := audit.NewRecorder(auditRepo, auditWriter, payment.Gateway, logger)

	issuer, err := fulfillment.NewIssuer(invoiceRepo, 1)
	if err != nil {
		log.Fatal(err)
	}
	notifier := fulfillment.NewNotifier(cfg.Fulfillment, logger)

	initiator := payment.NewInitiator(cfg.Gateway, payment.TruncatingAmountPolicy{})
	processor := payment.NewProcessor(
		cfg.Gateway,
		orderRepo,
		siteRepo,
		settlementRepo,
		recorder,
		issuer,
		invoiceRepo,
		notifier,
		logger,
	)

	srv := server.New(processor, initiator, orderRepo, siteRepo, cfg.Server.StatusToken, logger)

	addr := ":" + cfg.Server.Port
	logger.Info("Starting server", "addr", addr)
	log.Fatal(http.ListenAndServe(addr, srv.Routes()))
}
