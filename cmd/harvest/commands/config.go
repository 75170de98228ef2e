package commands

import (
	"time"

	"harvest-core/internal/db"
	"harvest-core/internal/registry"
	"harvest-core/lib/checkpoint"
	"harvest-core/lib/configutil"
	configlibsql "harvest-core/lib/configutil/libsql"
	"harvest-core/lib/notify"
	"harvest-core/lib/osutil"
	"harvest-core/lib/proctrack"
	"harvest-core/lib/rounds"
)

type WorkerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type Config struct {
	Rounds             int                 `json:"rounds"`
	RoundPauseSeconds  int                 `json:"round_pause_seconds"`
	WorkerPoolSize     int                 `json:"worker_pool_size"`
	MemoryCeilingMb    int                 `json:"memory_ceiling_mb"`
	ItemTimeoutSeconds int                 `json:"item_timeout_seconds"`
	Database           configlibsql.Struct `json:"database"`
	Worker             WorkerConfig        `json:"worker"`
	Smtp               notify.SmtpConfig   `json:"smtp"`
}

func loadConfig() (Config, error) {
	config, err := configutil.ReadConfig[Config](*configPath)
	if err != nil {
		return config, err
	}
	return configutil.WithDefaults(config, Config{
		Rounds:             3,
		RoundPauseSeconds:  60,
		WorkerPoolSize:     4,
		ItemTimeoutSeconds: 90,
		Database:           configlibsql.Struct{File: "data/harvest.db"},
	})
}

func (c Config) roundOptions() rounds.Options {
	return rounds.Options{
		Rounds:      c.Rounds,
		RoundPause:  time.Duration(c.RoundPauseSeconds) * time.Second,
		Workers:     c.WorkerPoolSize,
		ItemTimeout: time.Duration(c.ItemTimeoutSeconds) * time.Second,
	}
}

// mustCore opens the orchestrator database and wires the shared
// machinery every command needs. failures are fatal, there is nothing
// sensible to do without them.
func mustCore() (registry.Core, Config) {
	config, err := loadConfig()
	if err != nil {
		osutil.Fatal("failed to read config", err)
	}

	database, err := config.Database.OpenDB(db.Schema)
	if err != nil {
		osutil.Fatal("failed to open database", err)
	}

	return registry.Core{
		DB:            database,
		Store:         checkpoint.NewStore(database),
		Workers:       proctrack.New(database),
		WorkerCommand: config.Worker.Command,
		WorkerArgs:    config.Worker.Args,
		ConfigPath:    *configPath,
		Verbose:       *verbose,
	}, config
}
