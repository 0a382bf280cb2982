// Package config loads and validates the controller's hot-reloadable
// configuration: serial/bus tuning, register map, controller gains, and
// scheduled-service program lists.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Program describes one scheduled-service entry: a DSO or trading window
// active on a set of ISO dates, selected by mode.
type Program struct {
	ID              string   `json:"id"`
	Mode            string   `json:"mode"` // "auto" or "manual"
	Days            []string `json:"days"` // ISO dates, e.g. "2026-07-30"
	Start           string   `json:"start"` // "HH:MM"
	End             string   `json:"end"`   // "HH:MM"
	PartitionSOCDec int      `json:"partition_soc_dec,omitempty"`
}

// Config holds every tunable the controller reads at startup and on hot-reload.
type Config struct {
	// Filesystem boundaries
	BasePath          string `json:"base_path"`
	FromSnapshotPath  string `json:"from_snapshot_path"`
	ToSourcePath      string `json:"to_source_path"`
	NeighborPath      string `json:"neighbor_path"`
	GuardrailPath     string `json:"guardrail_path"`
	ServiceStatusPath string `json:"service_status_path"`
	DebitoPath        string `json:"debito_path"`
	MachineAlarmPath  string `json:"machine_alarm_path"`
	SharingPath       string `json:"sharing_path"`

	// Serial device
	SerialDevice      string        `json:"serial_device"`
	BaudRate          int           `json:"baud_rate"`
	DataBits          int           `json:"data_bits"`
	Parity            string        `json:"parity"`
	StopBits          int           `json:"stop_bits"`
	SlaveID           int           `json:"slave_id"`
	SerialTimeout     time.Duration `json:"serial_timeout"`
	AddressCorrection int           `json:"address_correction"`

	// Bus pacing
	RTUGap             time.Duration `json:"rtu_gap"`
	WarmupDelay        time.Duration `json:"warmup_delay"`
	WarmupReads        int           `json:"warmup_reads"`
	WarmupRetryBackoff time.Duration `json:"warmup_retry_backoff"`
	WarmupMaxRetries   int           `json:"warmup_max_retries"`

	// Write path
	WriteRetries      int           `json:"write_retries"`
	RetryBackoff      time.Duration `json:"retry_backoff"`
	VerifyWrites      bool          `json:"verify_writes"`
	CommitRegister    int           `json:"commit_register"`
	CommitValue       int           `json:"commit_value"`
	IgnoreWriteErrors bool          `json:"ignore_write_errors"`

	// Read path
	ReadMaxChunk int   `json:"read_max_chunk"`
	ReadMinChunk int   `json:"read_min_chunk"`
	MaxRetry     int   `json:"max_retry"`
	ExtraReads   []int `json:"extra_read_registers"`

	// Polling cadence
	PollInterval time.Duration `json:"poll_interval"`
	PollJitter   time.Duration `json:"poll_jitter"`

	// ToSource watcher cadence
	ToSourcePollInterval time.Duration `json:"to_source_poll_interval"`

	// Foreign-master detection
	ForeignWindow    time.Duration `json:"foreign_window"`
	ForeignThreshold int           `json:"foreign_threshold"`

	// CSV rollover logging (out-of-scope format, in-scope cadence)
	CSVEnabled        bool   `json:"csv_enabled"`
	CSVPath           string `json:"csv_path"`
	LogRolloverBytes  int64  `json:"log_rollover_bytes"`

	// Meter model (BatteryController grid-power estimator)
	PrelievoW   float64 `json:"prelievo_w"`
	ImmissioneW float64 `json:"immissione_w"`

	// Battery emergency charge
	CapacityKWh           float64 `json:"capacity_kwh"`
	EmergencyStartSOCDec  int     `json:"emergency_start_soc_dec"`
	EmergencyStopSOCDec   int     `json:"emergency_stop_soc_dec"`
	IbatLowMin            int     `json:"ibat_low_min"`
	IbatLowMax            int     `json:"ibat_low_max"`
	IbatMax               int     `json:"ibat_max"`
	StepEmergency1101     int     `json:"step_emergency_1101"`
	GuardrailMin1101      int     `json:"guardrail_1101_min"`
	Emergency1101Max      int     `json:"emergency_1101_max"`
	GridLimitW            float64 `json:"grid_limit_w"`
	GridHysteresisW       float64 `json:"grid_hysteresis_w"`
	UseMeterControl       bool    `json:"use_meter_control"`

	// Self-consumption / community sharing
	Deadband              int     `json:"deadband"`
	StepLocal             int     `json:"step_local"`
	StepCommunity         int     `json:"step_community"`
	Param1101Min          int     `json:"param_1101_min"`
	Param1101Max          int     `json:"param_1101_max"`
	SOCThresholdCommunity int     `json:"soc_threshold_community"`
	BtLossFactor          float64 `json:"bt_loss_factor"`

	// Watchdog
	MaxResetAttempts int `json:"max_reset_attempts"`

	// Scheduled service programs
	DSOChargePrograms      []Program `json:"dso_charge_programs"`
	DSODischargePrograms   []Program `json:"dso_discharge_programs"`
	TradingChargePrograms  []Program `json:"trading_charge_programs"`
	TradingDischargePrograms []Program `json:"trading_discharge_programs"`
	TargetSOCHighDec       int       `json:"target_soc_high_dec"` // DSO discharge pre-phase target
	MinSOCDec              int       `json:"min_soc_dec"`         // DSO discharge event floor

	// Scheduler periods
	SelfConsumptionPeriod time.Duration `json:"self_consumption_period"`
	BatteryPeriod         time.Duration `json:"battery_period"`
	WatchdogPeriod        time.Duration `json:"watchdog_period"`
	ServicePeriod         time.Duration `json:"service_period"`
	ConfigCheckPeriod     time.Duration `json:"config_check_period"`
	SchedulerTick         time.Duration `json:"scheduler_tick"`

	// Dashboard (domain-stack enrichment, read-only observability)
	DashboardPort              int           `json:"dashboard_port"` // 0 = disabled
	DashboardBroadcastInterval time.Duration `json:"dashboard_broadcast_interval"`
	Latitude                   float64       `json:"latitude"`
	Longitude                  float64       `json:"longitude"`
}

// DefaultConfig returns a configuration with the defaults named in the spec.
func DefaultConfig() *Config {
	return &Config{
		BasePath:          ".",
		FromSnapshotPath:  "FromSnapshot",
		ToSourcePath:      "ToSource",
		NeighborPath:      "neighbor/FromSnapshot",
		GuardrailPath:     "guardrail_autoconsumo.txt",
		ServiceStatusPath: "service_status.txt",
		DebitoPath:        "debito.txt",
		MachineAlarmPath:  "machine_alarm.txt",
		SharingPath:       "sharing.xml",

		SerialDevice:      "/dev/ttyUSB0",
		BaudRate:          9600,
		DataBits:          8,
		Parity:            "N",
		StopBits:          1,
		SlaveID:           1,
		SerialTimeout:     1 * time.Second,
		AddressCorrection: 1,

		RTUGap:             5 * time.Millisecond,
		WarmupDelay:        500 * time.Millisecond,
		WarmupReads:        3,
		WarmupRetryBackoff: 500 * time.Millisecond,
		WarmupMaxRetries:   3,

		WriteRetries:      3,
		RetryBackoff:      200 * time.Millisecond,
		VerifyWrites:      true,
		CommitRegister:    1104,
		CommitValue:       1,
		IgnoreWriteErrors: true,

		ReadMaxChunk: 16,
		ReadMinChunk: 1,
		MaxRetry:     3,

		PollInterval: 1 * time.Second,
		PollJitter:   100 * time.Millisecond,

		ToSourcePollInterval: 250 * time.Millisecond,

		ForeignWindow:    10 * time.Second,
		ForeignThreshold: 3,

		CSVEnabled:       false,
		CSVPath:          "telemetry.csv",
		LogRolloverBytes: 10 * 1024 * 1024,

		PrelievoW:   6000,
		ImmissioneW: 6000,

		CapacityKWh:          10.0,
		EmergencyStartSOCDec: 50,
		EmergencyStopSOCDec:  400,
		IbatLowMin:           0,
		IbatLowMax:           600,
		IbatMax:              1200,
		StepEmergency1101:    50,
		GuardrailMin1101:     -6000,
		Emergency1101Max:     0,
		GridLimitW:           0,
		GridHysteresisW:      100,
		UseMeterControl:      true,

		Deadband:              50,
		StepLocal:             20,
		StepCommunity:         20,
		Param1101Min:          -6000,
		Param1101Max:          6000,
		SOCThresholdCommunity: 950,
		BtLossFactor:          0.1,

		MaxResetAttempts: 5,

		TargetSOCHighDec: 950,
		MinSOCDec:        100,

		SelfConsumptionPeriod: 500 * time.Millisecond,
		BatteryPeriod:         5 * time.Second,
		WatchdogPeriod:        30 * time.Second,
		ServicePeriod:         5 * time.Second,
		ConfigCheckPeriod:     1 * time.Second,
		SchedulerTick:         100 * time.Millisecond,

		DashboardPort:              0,
		DashboardBroadcastInterval: 2 * time.Second,
		Latitude:                   45.4642,
		Longitude:                  9.1900,
	}
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	return c.SaveConfigToWriter(file)
}

// SaveConfigToWriter saves the configuration to an io.Writer.
func (c *Config) SaveConfigToWriter(writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	return nil
}

// Validate checks the configuration for invariant violations. Keys missing
// from the file keep their typed defaults, but an invalid value is not
// replaced by its default: Validate reports it and LoadConfig rejects the
// whole file (main exits at startup; a hot reload keeps the prior config).
func (c *Config) Validate() error {
	if c.SerialDevice == "" {
		return fmt.Errorf("serial_device cannot be empty")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be greater than 0, got: %d", c.BaudRate)
	}
	if c.SlaveID < 0 || c.SlaveID > 255 {
		return fmt.Errorf("slave_id must be between 0 and 255, got: %d", c.SlaveID)
	}
	if c.SerialTimeout <= 0 {
		return fmt.Errorf("serial_timeout must be greater than 0, got: %s", c.SerialTimeout)
	}
	if c.ReadMaxChunk <= 0 || c.ReadMinChunk <= 0 || c.ReadMinChunk > c.ReadMaxChunk {
		return fmt.Errorf("read_min_chunk/read_max_chunk invalid: min=%d max=%d", c.ReadMinChunk, c.ReadMaxChunk)
	}
	if c.MaxRetry <= 0 {
		return fmt.Errorf("max_retry must be greater than 0, got: %d", c.MaxRetry)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be greater than 0, got: %s", c.PollInterval)
	}
	if c.ToSourcePollInterval <= 0 {
		return fmt.Errorf("to_source_poll_interval must be greater than 0, got: %s", c.ToSourcePollInterval)
	}
	if c.ForeignWindow <= 0 {
		return fmt.Errorf("foreign_window must be greater than 0, got: %s", c.ForeignWindow)
	}
	if c.ForeignThreshold <= 0 {
		return fmt.Errorf("foreign_threshold must be greater than 0, got: %d", c.ForeignThreshold)
	}
	if c.Param1101Min > c.Param1101Max {
		return fmt.Errorf("param_1101_min (%d) cannot be greater than param_1101_max (%d)", c.Param1101Min, c.Param1101Max)
	}
	if c.Emergency1101Max != 0 {
		return fmt.Errorf("emergency_1101_max must be 0 per the emergency-regulation invariant, got: %d", c.Emergency1101Max)
	}
	if c.GuardrailMin1101 > c.Emergency1101Max {
		return fmt.Errorf("guardrail_1101_min (%d) cannot be greater than emergency_1101_max (%d)", c.GuardrailMin1101, c.Emergency1101Max)
	}
	if c.CapacityKWh < 0 {
		return fmt.Errorf("capacity_kwh must be non-negative, got: %f", c.CapacityKWh)
	}
	if c.MaxResetAttempts <= 0 {
		return fmt.Errorf("max_reset_attempts must be greater than 0, got: %d", c.MaxResetAttempts)
	}
	if c.SelfConsumptionPeriod <= 0 || c.BatteryPeriod <= 0 || c.WatchdogPeriod <= 0 ||
		c.ServicePeriod <= 0 || c.ConfigCheckPeriod <= 0 || c.SchedulerTick <= 0 {
		return fmt.Errorf("all scheduler periods must be greater than 0")
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port must be between 0 and 65535, got: %d", c.DashboardPort)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling so duration fields round-trip
// as human-readable strings instead of nanosecond integers.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		SerialTimeout              string `json:"serial_timeout"`
		RTUGap                     string `json:"rtu_gap"`
		WarmupDelay                string `json:"warmup_delay"`
		WarmupRetryBackoff         string `json:"warmup_retry_backoff"`
		RetryBackoff               string `json:"retry_backoff"`
		PollInterval               string `json:"poll_interval"`
		PollJitter                 string `json:"poll_jitter"`
		ForeignWindow              string `json:"foreign_window"`
		SelfConsumptionPeriod      string `json:"self_consumption_period"`
		BatteryPeriod              string `json:"battery_period"`
		WatchdogPeriod             string `json:"watchdog_period"`
		ServicePeriod              string `json:"service_period"`
		ConfigCheckPeriod          string `json:"config_check_period"`
		SchedulerTick              string `json:"scheduler_tick"`
		DashboardBroadcastInterval string `json:"dashboard_broadcast_interval"`
	}{
		Alias:                      (*Alias)(c),
		SerialTimeout:              c.SerialTimeout.String(),
		RTUGap:                     c.RTUGap.String(),
		WarmupDelay:                c.WarmupDelay.String(),
		WarmupRetryBackoff:         c.WarmupRetryBackoff.String(),
		RetryBackoff:               c.RetryBackoff.String(),
		PollInterval:               c.PollInterval.String(),
		PollJitter:                 c.PollJitter.String(),
		ForeignWindow:              c.ForeignWindow.String(),
		SelfConsumptionPeriod:      c.SelfConsumptionPeriod.String(),
		BatteryPeriod:              c.BatteryPeriod.String(),
		WatchdogPeriod:             c.WatchdogPeriod.String(),
		ServicePeriod:              c.ServicePeriod.String(),
		ConfigCheckPeriod:          c.ConfigCheckPeriod.String(),
		SchedulerTick:              c.SchedulerTick.String(),
		DashboardBroadcastInterval: c.DashboardBroadcastInterval.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to parse duration strings.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		SerialTimeout              string `json:"serial_timeout"`
		RTUGap                     string `json:"rtu_gap"`
		WarmupDelay                string `json:"warmup_delay"`
		WarmupRetryBackoff         string `json:"warmup_retry_backoff"`
		RetryBackoff               string `json:"retry_backoff"`
		PollInterval               string `json:"poll_interval"`
		PollJitter                 string `json:"poll_jitter"`
		ForeignWindow              string `json:"foreign_window"`
		SelfConsumptionPeriod      string `json:"self_consumption_period"`
		BatteryPeriod              string `json:"battery_period"`
		WatchdogPeriod             string `json:"watchdog_period"`
		ServicePeriod              string `json:"service_period"`
		ConfigCheckPeriod          string `json:"config_check_period"`
		SchedulerTick              string `json:"scheduler_tick"`
		DashboardBroadcastInterval string `json:"dashboard_broadcast_interval"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	durations := []struct {
		raw string
		dst *time.Duration
		name string
	}{
		{aux.SerialTimeout, &c.SerialTimeout, "serial_timeout"},
		{aux.RTUGap, &c.RTUGap, "rtu_gap"},
		{aux.WarmupDelay, &c.WarmupDelay, "warmup_delay"},
		{aux.WarmupRetryBackoff, &c.WarmupRetryBackoff, "warmup_retry_backoff"},
		{aux.RetryBackoff, &c.RetryBackoff, "retry_backoff"},
		{aux.PollInterval, &c.PollInterval, "poll_interval"},
		{aux.PollJitter, &c.PollJitter, "poll_jitter"},
		{aux.ForeignWindow, &c.ForeignWindow, "foreign_window"},
		{aux.SelfConsumptionPeriod, &c.SelfConsumptionPeriod, "self_consumption_period"},
		{aux.BatteryPeriod, &c.BatteryPeriod, "battery_period"},
		{aux.WatchdogPeriod, &c.WatchdogPeriod, "watchdog_period"},
		{aux.ServicePeriod, &c.ServicePeriod, "service_period"},
		{aux.ConfigCheckPeriod, &c.ConfigCheckPeriod, "config_check_period"},
		{aux.SchedulerTick, &c.SchedulerTick, "scheduler_tick"},
		{aux.DashboardBroadcastInterval, &c.DashboardBroadcastInterval, "dashboard_broadcast_interval"},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}

// String returns a pretty-printed JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
