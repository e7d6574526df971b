package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vendora.org/internal/audit"
	"vendora.org/internal/blob"
	"vendora.org/internal/catalog"
	"vendora.org/internal/download"
	"vendora.org/internal/entitlement"
	"vendora.org/internal/fulfill"
	"vendora.org/internal/httpapi"
	"vendora.org/internal/identity"
	"vendora.org/internal/money"
	"vendora.org/internal/obs"
	"vendora.org/internal/order"
	"vendora.org/internal/store/pg"
	"vendora.org/internal/stream"
)

var version = "0.3.1"

// seedDemoCatalog mirrors ops/migrations/seeds for in-memory runs so the
// smoke tool has something to buy.
func seedDemoCatalog(cat *catalog.InMemory) {
	five := 5
	three := 3
	week := 7 * 24 * time.Hour
	cat.Put(catalog.Product{
		ID:            "prod-ebook-go",
		Name:          "Practical Go Patterns (ebook)",
		Price:         money.Money{Currency: "USD", Amount: 2900},
		DownloadLimit: &five,
		FileBlobRef:   "blobs/ebooks/practical-go-patterns.pdf",
		Available:     true,
	})
	cat.Put(catalog.Product{
		ID:          "prod-icons-mono",
		Name:        "Monoline Icon Pack",
		Price:       money.Money{Currency: "USD", Amount: 1500},
		FileBlobRef: "blobs/assets/monoline-icons.zip",
		Available:   true,
	})
	cat.Put(catalog.Product{
		ID:            "prod-preset-lr",
		Name:          "Lightroom Preset Bundle",
		Price:         money.Money{Currency: "USD", Amount: 900},
		DownloadLimit: &three,
		DownloadTTL:   &week,
		FileBlobRef:   "blobs/presets/lightroom-bundle.zip",
		Available:     true,
	})
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("VENDORA_COMMIT"))

	downloadSecret := []byte(os.Getenv("VENDORA_DOWNLOAD_SECRET"))
	if len(downloadSecret) == 0 {
		log.Fatal("VENDORA_DOWNLOAD_SECRET is required")
	}
	blobSecret := []byte(os.Getenv("VENDORA_BLOB_SECRET"))
	if len(blobSecret) == 0 {
		log.Fatal("VENDORA_BLOB_SECRET is required")
	}
	blobBase := os.Getenv("VENDORA_BLOB_BASE_URL")
	if blobBase == "" {
		blobBase = "http://localhost:8080/files"
	}

	signer, err := blob.NewURLSigner(blobBase, blobSecret)
	if err != nil {
		log.Fatalf("blob signer: %v", err)
	}

	// Pick the Postgres stack when a DSN is configured, otherwise run fully
	// in memory (dev and smoke runs).
	var (
		orders   order.Ledger
		ents     entitlement.Store
		auditLog audit.Log
		resolver catalog.Resolver
		idStore  identity.Store
		ready    httpapi.ReadyProbe
	)
	if dsn := os.Getenv("VENDORA_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		orders = store
		ents = store
		auditLog = store
		resolver = store
		idStore = store
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		cat := catalog.NewInMemory()
		seedDemoCatalog(cat)
		memEnts := entitlement.NewInMemory()
		orders = order.NewInMemory(cat, memEnts)
		ents = memEnts
		auditLog = audit.NewInMemory()
		resolver = cat
		idStore = identity.NewInMemory()
	}

	guard, err := download.NewGuard(ents, auditLog, signer, resolver, downloadSecret)
	if err != nil {
		log.Fatalf("download guard: %v", err)
	}

	api := httpapi.New(httpapi.Config{
		Ready:         ready,
		Version:       version,
		Identity:      identity.NewService(idStore),
		Orders:        orders,
		Entitlements:  ents,
		Audit:         auditLog,
		Processor:     fulfill.NewProcessor(orders, ents, resolver),
		Guard:         guard,
		Stream:        stream.New(),
		WebhookSecret: os.Getenv("VENDORA_WEBHOOK_SECRET"),
	})

	addr := os.Getenv("VENDORA_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long enough for SSE clients; the stream handler flushes per event.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting vendora-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
