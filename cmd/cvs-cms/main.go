package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/shashanking/cvs-cms/internal/httpapi"
	"github.com/shashanking/cvs-cms/internal/ledger"
)

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	addr := os.Getenv("CVSCMS_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backend, memberships, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	opts := ledger.Options{
		StateBackend:      backend,
		Memberships:       memberships,
		FeedBuffer:        intEnv("CVSCMS_FEED_BUFFER", 0),
		MaxChangeEvents:   intEnv("CVSCMS_MAX_CHANGE_EVENTS", 0),
		MembershipRetries: intEnv("CVSCMS_MEMBERSHIP_RETRIES", 0),
	}
	var store *ledger.Ledger
	if backend != nil {
		store, err = ledger.NewFromBackend(backend, opts)
		if err != nil {
			log.Fatalf("failed to load ledger state: %v", err)
		}
	} else {
		store = ledger.NewWithOptions(opts)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("CVSCMS_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("CVSCMS_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("CVSCMS_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("CVSCMS_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("CVSCMS_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("CVSCMS_MAX_BODY_BYTES", 0),
		Completion: ledger.CompletionConfig{
			Threshold: intEnv("CVSCMS_COMPLETION_THRESHOLD", 0),
		},
	})

	log.Printf("cvs-cms listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// buildStateBackendFromEnv selects the snapshot backend. Only the
// postgres backend also provides the durable membership table; the
// file and memory modes rely on the in-process merge alone.
func buildStateBackendFromEnv() (ledger.StateBackend, ledger.MembershipStore, error) {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("CVSCMS_STATE_BACKEND")))
	stateFile := strings.TrimSpace(os.Getenv("CVSCMS_STATE_FILE"))
	dsn := strings.TrimSpace(os.Getenv("CVSCMS_POSTGRES_DSN"))

	switch mode {
	case "", "memory":
		if mode == "" && stateFile != "" {
			return ledger.NewJSONFileStateBackend(stateFile), nil, nil
		}
		if mode == "" && dsn != "" {
			backend, err := ledger.NewPostgresStateBackend(dsn)
			if err != nil {
				return nil, nil, err
			}
			return backend, backend, nil
		}
		return nil, nil, nil
	case "file":
		if stateFile == "" {
			return nil, nil, fmt.Errorf("CVSCMS_STATE_FILE is required when CVSCMS_STATE_BACKEND=file")
		}
		return ledger.NewJSONFileStateBackend(stateFile), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("CVSCMS_POSTGRES_DSN is required when CVSCMS_STATE_BACKEND=postgres")
		}
		backend, err := ledger.NewPostgresStateBackend(dsn)
		if err != nil {
			return nil, nil, err
		}
		return backend, backend, nil
	default:
		return nil, nil, fmt.Errorf("unsupported CVSCMS_STATE_BACKEND: %s", mode)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
