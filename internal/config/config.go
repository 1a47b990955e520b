package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

type PlanConfig struct {
	ID             string   `yaml:"id"`
	StoreProductID string   `yaml:"store_product_id"`
	DisplayName    string   `yaml:"display_name"`
	Price          string   `yaml:"price"`
	Period         string   `yaml:"period"`
	Features       []string `yaml:"features"`
}

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	JWT struct {
		Secret string `yaml:"secret"`
	} `yaml:"jwt"`
	Premium struct {
		PackageName             string       `yaml:"package_name"`
		ServiceAccountJSONPath  string       `yaml:"service_account_json_path"`
		ValidatorURL            string       `yaml:"validator_url"`
		ValidatorTimeoutSeconds int          `yaml:"validator_timeout_seconds"`
		TrialDays               int          `yaml:"trial_days"`
		Plans                   []PlanConfig `yaml:"plans"`
	} `yaml:"premium"`
}

func LoadConfig() Config {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		log.Fatalf("Failed to unmarshal config data: %v", err)
	}

	if cfg.Premium.ValidatorTimeoutSeconds <= 0 {
		cfg.Premium.ValidatorTimeoutSeconds = 10
	}
	if cfg.Premium.TrialDays <= 0 {
		cfg.Premium.TrialDays = 14
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}
	return cfg
}
