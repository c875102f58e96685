package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabasePath string
	Timezone     *time.Location
	CalDAVURL    string
	SyncInterval time.Duration
	SyncCooldown time.Duration
	ServerPort   string
	APIUsername  string
	APIPassword  string
}

func Load() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/plandesk.db"
	}

	tzName := os.Getenv("TIMEZONE")
	if tzName == "" {
		tzName = "Europe/Madrid"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	caldavURL := os.Getenv("CALDAV_URL")
	if caldavURL == "" {
		caldavURL = "https://caldav.icloud.com"
	}

	interval := 15
	if v := os.Getenv("SYNC_INTERVAL_MINUTES"); v != "" {
		interval, err = strconv.Atoi(v)
		if err != nil || interval < 1 {
			return nil, fmt.Errorf("SYNC_INTERVAL_MINUTES must be a positive number")
		}
	}

	cooldown := 60
	if v := os.Getenv("SYNC_COOLDOWN_SECONDS"); v != "" {
		cooldown, err = strconv.Atoi(v)
		if err != nil || cooldown < 0 {
			return nil, fmt.Errorf("SYNC_COOLDOWN_SECONDS must be a number")
		}
	}

	serverPort := os.Getenv("SERVER_PORT")
	if serverPort == "" {
		serverPort = "8275"
	}

	return &Config{
		DatabasePath: dbPath,
		Timezone:     tz,
		CalDAVURL:    caldavURL,
		SyncInterval: time.Duration(interval) * time.Minute,
		SyncCooldown: time.Duration(cooldown) * time.Second,
		ServerPort:   serverPort,
		APIUsername:  os.Getenv("API_USERNAME"),
		APIPassword:  os.Getenv("API_PASSWORD"),
	}, nil
}
