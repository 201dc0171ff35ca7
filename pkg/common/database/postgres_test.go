package database

import (
	"testing"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/config"
)

func TestPostgresDSN(t *testing.T) {
	cfg := &config.Config{
		PostgresHost:     "db",
		PostgresPort:     "5433",
		PostgresUser:     "cohort",
		PostgresPassword: "secret",
		PostgresDB:       "sedation_cohort",
		PostgresSSLMode:  "require",
	}
	want := "host=db user=cohort password=secret dbname=sedation_cohort port=5433 sslmode=require"
	if got := PostgresDSN(cfg); got != want {
		t.Fatalf("PostgresDSN() = %q, want %q", got, want)
	}
}
