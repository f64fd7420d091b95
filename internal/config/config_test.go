package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGameSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.yaml")
	doc := `periods:
  - first_half
  - second_half
  - overtime
prize_ladder:
  - question_number: 1
    prize: 10000
  - question_number: 2
    prize: 20000
  - question_number: 3
    prize: 50000
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	settings, err := LoadGameSettings(path)
	if err != nil {
		t.Fatalf("LoadGameSettings: %v", err)
	}
	if len(settings.Periods) != 3 {
		t.Fatalf("periods = %d, want 3", len(settings.Periods))
	}

	tests := []struct {
		questionNumber int
		want           int64
	}{
		{1, 10000},
		{2, 20000},
		{3, 50000},
		{99, 0},
	}
	for _, tt := range tests {
		if got := settings.PrizeFor(tt.questionNumber); got != tt.want {
			t.Errorf("PrizeFor(%d) = %d, want %d", tt.questionNumber, got, tt.want)
		}
	}
}

func TestLoadGameSettingsMissingFile(t *testing.T) {
	if _, err := LoadGameSettings(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestServerFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "QUIZ_GAME_ID", "MONGODB_URI", "MONGODB_DATABASE", "NATS_URL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg := NewServerFromEnv()
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %s, want :8080", cfg.Addr)
	}
	if cfg.GameID != "default" {
		t.Errorf("GameID = %s, want default", cfg.GameID)
	}
	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("NATSURL = %s", cfg.NATSURL)
	}
}

func TestServerFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("QUIZ_GAME_ID", "finals")

	cfg := NewServerFromEnv()
	if cfg.Addr != ":9999" {
		t.Errorf("Addr = %s, want :9999", cfg.Addr)
	}
	if cfg.GameID != "finals" {
		t.Errorf("GameID = %s, want finals", cfg.GameID)
	}
}
