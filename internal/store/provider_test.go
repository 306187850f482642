package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/store"

	// Import drivers so their init() functions register them.
	_ "github.com/jensholdgaard/auction-engine/internal/store/memstore"
	_ "github.com/jensholdgaard/auction-engine/internal/store/postgres"
	_ "github.com/jensholdgaard/auction-engine/internal/store/sqlstore"
)

// fakeDriver is a store.Driver that always succeeds without connecting to a DB.
func fakeDriver(_ context.Context, _ config.DatabaseConfig, _ clock.Clock) (*store.Repositories, error) {
	return &store.Repositories{}, nil
}

func TestOpen(t *testing.T) {
	store.Register("test-driver", fakeDriver)

	tests := []struct {
		name    string
		driver  string
		wantErr bool
	}{
		{
			name:    "registered driver succeeds",
			driver:  "test-driver",
			wantErr: false,
		},
		{
			name:    "memory driver succeeds",
			driver:  "memory",
			wantErr: false,
		},
		{
			name:    "unknown driver fails",
			driver:  "nonexistent",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DatabaseConfig{Driver: tt.driver}
			_, err := store.Open(context.Background(), cfg, clock.Real{})
			if (err != nil) != tt.wantErr {
				t.Errorf("Open(driver=%q) error = %v, wantErr %v", tt.driver, err, tt.wantErr)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	// The Postgres drivers fail to connect without a DB, so only check that
	// the error is not "unknown store driver".
	for _, driver := range []string{"sqlx", "sql"} {
		t.Run(driver, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			cfg := config.DatabaseConfig{
				Driver: driver, Host: "127.0.0.1", Port: 1,
				User: "test", Password: "test", DBName: "test", SSLMode: "disable",
			}
			_, err := store.Open(ctx, cfg, clock.Real{})
			if err == nil {
				t.Fatal("expected error (no DB running), got nil")
			}
			if strings.Contains(err.Error(), "unknown store driver") {
				t.Errorf("expected connection error, got unknown driver error: %v", err)
			}
		})
	}
}

func TestUnknownDriverListsRegistered(t *testing.T) {
	_, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "bogus"}, clock.Real{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, name := range []string{"memory", "sql", "sqlx"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list driver %q", err, name)
		}
	}
}
