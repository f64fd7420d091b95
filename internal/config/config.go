// Package config loads server settings from the environment and the
// game definition from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Server holds runtime settings for the coordination server.
type Server struct {
	Addr         string
	GameID       string
	MongoURI     string
	MongoDB      string
	NATSURL      string
	ServiceKey   string
	TokenSecret  string
	GameSettings string
}

// NewServerFromEnv reads QUIZ_* environment variables with defaults.
func NewServerFromEnv() Server {
	return Server{
		Addr:         ":" + getEnv("PORT", "8080"),
		GameID:       getEnv("QUIZ_GAME_ID", "default"),
		MongoURI:     getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDB:      getEnv("MONGODB_DATABASE", "allstars"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		ServiceKey:   os.Getenv("QUIZ_SERVICE_KEY"),
		TokenSecret:  os.Getenv("QUIZ_TOKEN_SECRET"),
		GameSettings: getEnv("QUIZ_GAME_SETTINGS", "game.yaml"),
	}
}

// PrizeStep maps a question number to its prize value.
type PrizeStep struct {
	QuestionNumber int   `yaml:"question_number"`
	Prize          int64 `yaml:"prize"`
}

// GameSettings is the YAML-defined shape of one game.
type GameSettings struct {
	Periods     []string    `yaml:"periods"`
	PrizeLadder []PrizeStep `yaml:"prize_ladder"`
}

// LoadGameSettings parses the game definition at path.
func LoadGameSettings(path string) (*GameSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read game settings: %w", err)
	}

	var settings GameSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse game settings: %w", err)
	}
	return &settings, nil
}

// PrizeFor returns the prize value for a question number, zero when the
// ladder does not define one.
func (s *GameSettings) PrizeFor(questionNumber int) int64 {
	for _, step := range s.PrizeLadder {
		if step.QuestionNumber == questionNumber {
			return step.Prize
		}
	}
	return 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
