package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "medguardian.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9000"
  metrics_address: ":9100"
ollama:
  base_url: "http://ollama:11434"
  model: "medgemma:4b"
  timeout_seconds: 120
run_store:
  driver: mysql
  dsn: "user:pass@tcp(localhost:3306)/medguardian"
  retries: 5
run_queue:
  driver: redis
  worker: 4
  redis:
    address: "localhost:6379"
    queue: "medguardian:runs"
logging:
  level: debug
  format: text
  audit:
    enabled: true
    path: "logs/audit.log"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":9000" || cfg.Server.MetricsAddress != ":9100" {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Ollama.Model != "medgemma:4b" {
		t.Fatalf("unexpected model: %s", cfg.Ollama.Model)
	}
	if cfg.Ollama.Timeout() != 120*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.Ollama.Timeout())
	}
	if cfg.Ollama.HealthTimeout() != 5*time.Second {
		t.Fatalf("health timeout default missing: %s", cfg.Ollama.HealthTimeout())
	}
	if cfg.RunStore.Driver != "mysql" || cfg.RunStore.Retries != 5 {
		t.Fatalf("unexpected run store config: %+v", cfg.RunStore)
	}
	if cfg.RunQueue.Driver != "redis" || cfg.RunQueue.Worker != 4 {
		t.Fatalf("unexpected run queue config: %+v", cfg.RunQueue)
	}
	if cfg.RunQueue.Redis.Queue != "medguardian:runs" {
		t.Fatalf("unexpected redis config: %+v", cfg.RunQueue.Redis)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	if !cfg.Logging.Audit.Enabled || cfg.Logging.Audit.Path != "logs/audit.log" {
		t.Fatalf("unexpected audit config: %+v", cfg.Logging.Audit)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \"\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected default address: %s", cfg.Server.Address)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" || cfg.Ollama.Model != "medgemma" {
		t.Fatalf("unexpected ollama defaults: %+v", cfg.Ollama)
	}
	if cfg.Ollama.TimeoutSeconds != 300 {
		t.Fatalf("unexpected timeout default: %d", cfg.Ollama.TimeoutSeconds)
	}
	if cfg.RunStore.Driver != "memory" || cfg.RunStore.Retries != 3 {
		t.Fatalf("unexpected run store defaults: %+v", cfg.RunStore)
	}
	if cfg.RunQueue.Driver != "memory" || cfg.RunQueue.Worker != 2 {
		t.Fatalf("unexpected run queue defaults: %+v", cfg.RunQueue)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("empty path must fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
	if _, err := Load(writeConfig(t, "server: [not a map")); err == nil {
		t.Fatal("malformed yaml must fail")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Address != ":8080" || cfg.RunStore.Driver != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
