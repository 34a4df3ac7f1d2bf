package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Backend: BackendConfig{BaseURL: "https://backend.example/api"},
		SIP:     SIPConfig{RegistrarHost: "sip.example", RegistrarPort: 5060},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"APP_ENV", "JWT_SECRET", "BACKEND_BASE_URL", "SIP_REGISTRAR_HOST"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Backend.TokenPath != "/Call/GenerateVoiceToken" {
		t.Fatalf("token path default: %q", c.Backend.TokenPath)
	}
	if len(c.Backend.MetadataPaths) != len(DefaultMetadataPaths) || c.Backend.MetadataPaths[0] != "/Call/OnDemondClientData" {
		t.Fatalf("metadata paths default: %v", c.Backend.MetadataPaths)
	}
	if c.Desk.MetadataGrace != 5*time.Second {
		t.Fatalf("grace default: %v", c.Desk.MetadataGrace)
	}
	if c.SIP.Transport != "udp" || c.SIP.ListenAddr != "0.0.0.0:5060" {
		t.Fatalf("sip defaults: %+v", c.SIP)
	}
	if c.AuditInPostgres() {
		t.Fatalf("expected memory audit without DB_HOST")
	}
	if c.RedisAddr() != "" {
		t.Fatalf("expected empty redis addr, got %q", c.RedisAddr())
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validLocal()
	c.DB = DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "desk"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_ProductionRequiresSSLModeAndRedis(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "desk"
	c.Auth.JWTAudience = "desk-ui"
	c.DB = DBConfig{Host: "db", Port: 5432, User: "postgres", Name: "desk"}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") || !strings.Contains(err.Error(), "REDIS_HOST") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsUnknownSIPTransport(t *testing.T) {
	c := validLocal()
	c.SIP.Transport = "sctp"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for sctp transport")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("BACKEND_BASE_URL", "https://backend.example")
	t.Setenv("BACKEND_METADATA_PATHS", " /a , /b ,")
	t.Setenv("SIP_REGISTRAR_HOST", "sip.example")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("DESK_METADATA_GRACE", "2s")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTPAddr() != ":9090" {
		t.Fatalf("addr: %q", c.HTTPAddr())
	}
	if got := c.Backend.MetadataPaths; len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Fatalf("metadata paths: %v", got)
	}
	if c.RedisAddr() != "cache:6379" {
		t.Fatalf("redis addr: %q", c.RedisAddr())
	}
	if c.Desk.MetadataGrace != 2*time.Second {
		t.Fatalf("grace: %v", c.Desk.MetadataGrace)
	}
	if c.RegistrarAddr() != "sip.example:5060" {
		t.Fatalf("registrar: %q", c.RegistrarAddr())
	}
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DESK_METADATA_GRACE", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DESK_METADATA_GRACE") {
		t.Fatalf("expected duration error, got %v", err)
	}
}
