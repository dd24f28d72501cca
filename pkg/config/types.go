package config

import "time"

// ButlerConfig is the parsed contents of butler.toml: the full declarative
// configuration for one butler daemon.
type ButlerConfig struct {
	Butler  ButlerBlock             `toml:"butler"`
	Modules map[string]ModuleConfig `toml:"modules"`
}

// ButlerBlock is the top-level [butler] table.
type ButlerBlock struct {
	Name        string         `toml:"name"`
	Port        int            `toml:"port"`
	Description string         `toml:"description"`
	DB          DBBlock        `toml:"db"`
	Shutdown    ShutdownBlock  `toml:"shutdown"`
	Schedule    []ScheduleDecl `toml:"schedule"`
}

// DBBlock is the optional [butler.db] table. Name overrides the database
// name component of the DSN; connection parameters themselves come from
// environment variables, never from TOML.
type DBBlock struct {
	Name string `toml:"name"`
}

// ShutdownBlock is the optional [butler.shutdown] table.
type ShutdownBlock struct {
	TimeoutS int `toml:"timeout_s"`
}

// ScheduleDecl is one [[butler.schedule]] array-table entry: a cron task
// declared statically in TOML. Reconciled into the schedules table by
// pkg/scheduler's Sync on every startup.
type ScheduleDecl struct {
	Name            string     `toml:"name"`
	Cron            string     `toml:"cron"`
	Prompt          string     `toml:"prompt"`
	JobName         string     `toml:"job_name"`
	JobArgs         map[string]any `toml:"job_args"`
	Timezone        string     `toml:"timezone"`
	StartAt         *time.Time `toml:"start_at"`
	EndAt           *time.Time `toml:"end_at"`
	UntilAt         *time.Time `toml:"until_at"`
	CalendarEventID string     `toml:"calendar_event_id"`
}

// ModuleConfig is one [modules.<name>] table. Fields are kept as a raw map
// and decoded against the module's declared schema during validation
// (pkg/modlife), since the set of valid fields differs per module.
type ModuleConfig map[string]any

// DefaultShutdownTimeoutS is applied when [butler.shutdown] is omitted
// entirely.
const DefaultShutdownTimeoutS = 30
