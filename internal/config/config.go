package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"grainwatch/internal/domain"
	"grainwatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultIngestPath         = "/ingest"
	defaultMetricsPath        = "/metrics"
	defaultAPIBasePath        = "/api"
	defaultActorHeader        = "X-Actor-Id"
	defaultActorNameHeader    = "X-Actor-Name"
	defaultAPIListLimit       = 500
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSSubject        = "grainwatch.readings"
	defaultNATSIngestStream   = "GRAINWATCH_READINGS"
	defaultNATSIngestConsumer = "grainwatch-ingest"
	defaultNATSIngestGroup    = "grainwatch-workers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultKafkaGroupID       = "grainwatch"
	defaultKafkaTopic         = "grainwatch.readings"
	defaultMQTTTopic          = "grainwatch/readings/#"
	defaultMQTTClientID       = "grainwatch"
	defaultMQTTQoS            = 1
	defaultReloadSeconds      = 30
	defaultSweepSeconds       = 300
	defaultPruneSeconds       = 3600
	defaultWorkers            = 4
	defaultQueueSize          = 1024
	defaultRetentionDays      = 90
	defaultAlertsBucket       = "alerts"
	defaultHoldsBucket        = "alert_holds"
	defaultRedisPrefix        = "grainwatch"
	defaultChangeSubject      = "grainwatch.catalog.changes"
	defaultNotifyLocale       = "en"
	defaultNotifyTimeoutSec   = 10
	defaultNotifyStream       = "GRAINWATCH_NOTIFY"
	defaultNotifySubject      = "grainwatch.notify"
	defaultNotifyConsumer     = "grainwatch-notify"
	defaultNotifyGroup        = "grainwatch-notify-workers"
	defaultNotifyDLQStream    = "GRAINWATCH_NOTIFY_DLQ"
	defaultNotifyDLQSubject   = "grainwatch.notify.dlq"

	// ServiceModeNATS runs ingestion, alert state, and notify queue over NATS JetStream.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs one process without NATS dependencies.
	ServiceModeSingle = "single"

	// StoreMemory keeps data in process memory.
	StoreMemory = "memory"
	// StorePostgres keeps data in PostgreSQL.
	StorePostgres = "postgres"
	// StoreNATS keeps alerts in JetStream KV.
	StoreNATS = "nats"
	// StoreRedis keeps reading windows in Redis.
	StoreRedis = "redis"

	// SourceTOML reads definitions from the config snapshot.
	SourceTOML = "toml"
	// SourcePostgres reads definitions from PostgreSQL tables.
	SourcePostgres = "postgres"

	// BackendLog logs rendered payloads instead of delivering them.
	BackendLog = "log"
	// BackendHTTP posts payloads to a relay gateway.
	BackendHTTP = "http"
	// BackendTelegram sends payloads through a Telegram bot.
	BackendTelegram = "telegram"
	// BackendWebhook posts payloads to the action webhook URL.
	BackendWebhook = "webhook"
)

var (
	legacyTriggerArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*trigger\s*\]\]`)
	legacyRuleTablePattern    = regexp.MustCompile(`(?m)^\s*\[\[?\s*rule(?:\.[^\]\s]+)*\s*\]\]?`)
	channelBackends           = map[domain.ActionType][]string{
		domain.ActionEmail:   {BackendLog, BackendHTTP},
		domain.ActionSMS:     {BackendLog, BackendHTTP},
		domain.ActionPush:    {BackendLog, BackendHTTP, BackendTelegram},
		domain.ActionWebhook: {BackendLog, BackendWebhook},
	}
)

// Config holds service runtime settings, topology, and file-defined triggers.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service  ServiceConfig   `toml:"service"`
	Log      LogConfig       `toml:"log"`
	Ingest   IngestConfig    `toml:"ingest"`
	Store    StoreConfig     `toml:"store"`
	Notify   NotifyConfig    `toml:"notify"`
	API      APIConfig       `toml:"api"`
	Catalog  CatalogConfig   `toml:"catalog"`
	Topology TopologyConfig  `toml:"topology"`
	Trigger  []TriggerConfig `toml:"trigger"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw trigger map keyed by trigger id.
type rawConfig struct {
	Service  ServiceConfig               `toml:"service"`
	Log      LogConfig                   `toml:"log"`
	Ingest   IngestConfig                `toml:"ingest"`
	Store    StoreConfig                 `toml:"store"`
	Notify   NotifyConfig                `toml:"notify"`
	API      APIConfig                   `toml:"api"`
	Catalog  CatalogConfig               `toml:"catalog"`
	Topology TopologyConfig              `toml:"topology"`
	Trigger  map[string]rawTriggerConfig `toml:"trigger"`
}

// rawTriggerConfig stores one trigger body from `[trigger.<id>]` table.
type rawTriggerConfig struct {
	ID             string                 `toml:"id"`
	Name           string                 `toml:"name"`
	OrganizationID string                 `toml:"organization_id"`
	ScopeType      string                 `toml:"scope_type"`
	ScopeID        string                 `toml:"scope_id"`
	Logic          string                 `toml:"logic"`
	Severity       string                 `toml:"severity"`
	Active         *bool                  `toml:"active"`
	Description    string                 `toml:"description"`
	Condition      []domain.ConditionSpec `toml:"condition"`
	Action         []domain.Action        `toml:"action"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, reload cadence, and evaluation worker sizing.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	Mode              string `toml:"mode"`
	ReloadEnabled     bool   `toml:"reload_enabled"`
	ReloadIntervalSec int    `toml:"reload_interval_sec"`
	SweepIntervalSec  int    `toml:"sweep_interval_sec"`
	PruneIntervalSec  int    `toml:"prune_interval_sec"`
	Workers           int    `toml:"workers"`
	QueueSize         int    `toml:"queue_size"`
}

// IngestConfig defines inbound reading interfaces.
type IngestConfig struct {
	HTTP  HTTPIngestConfig  `toml:"http"`
	NATS  NATSIngestConfig  `toml:"nats"`
	Kafka KafkaIngestConfig `toml:"kafka"`
	MQTT  MQTTIngestConfig  `toml:"mqtt"`
}

// HTTPIngestConfig configures the shared HTTP listener and ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, routing, and worker/ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// KafkaIngestConfig configures consumer-group ingestion from Kafka.
type KafkaIngestConfig struct {
	Enabled          bool     `toml:"enabled"`
	Brokers          []string `toml:"brokers"`
	Topic            string   `toml:"topic"`
	GroupID          string   `toml:"group_id"`
	MinBytes         int      `toml:"min_bytes"`
	MaxBytes         int      `toml:"max_bytes"`
	CommitIntervalMS int      `toml:"commit_interval_ms"`
}

// MQTTIngestConfig configures gateway ingestion from an MQTT broker.
type MQTTIngestConfig struct {
	Enabled           bool   `toml:"enabled"`
	Broker            string `toml:"broker"`
	ClientID          string `toml:"client_id"`
	Topic             string `toml:"topic"`
	QoS               int    `toml:"qos"`
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	ConnectTimeoutSec int    `toml:"connect_timeout_sec"`
}

// StoreConfig selects alert and reading backends.
// Params: backend names, retention floor, and backend connection settings.
// Returns: storage wiring for app composition.
type StoreConfig struct {
	Alerts        string         `toml:"alerts"`
	Readings      string         `toml:"readings"`
	RetentionDays int            `toml:"retention_days"`
	Postgres      PostgresConfig `toml:"postgres"`
	Redis         RedisConfig    `toml:"redis"`
	NATS          NATSKVConfig   `toml:"nats"`
}

// PostgresConfig configures the shared database/sql pool.
type PostgresConfig struct {
	DSN                string `toml:"dsn"`
	MaxOpenConns       int    `toml:"max_open_conns"`
	MaxIdleConns       int    `toml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `toml:"conn_max_lifetime_sec"`
	Migrate            bool   `toml:"migrate"`
}

// RedisConfig configures the Redis reading window store.
type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

// NATSKVConfig names JetStream KV buckets of the alert store.
type NATSKVConfig struct {
	AlertsBucket string `toml:"alerts_bucket"`
	HoldsBucket  string `toml:"holds_bucket"`
}

// NotifyConfig defines outbound notification behavior.
// Params: default locale, retry policy, queue, and per-action-type channel backends.
// Returns: notification controls.
type NotifyConfig struct {
	DefaultLocale string           `toml:"default_locale"`
	Retry         NotifyRetry      `toml:"retry"`
	Queue         NotifyQueue      `toml:"queue"`
	Email         ChannelConfig    `toml:"email"`
	SMS           ChannelConfig    `toml:"sms"`
	Push          ChannelConfig    `toml:"push"`
	Webhook       ChannelConfig    `toml:"webhook"`
	Telegram      TelegramNotifier `toml:"telegram"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: worker sizing, ack policy, and DLQ toggle (NATS mode).
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Workers       int    `toml:"workers"`
	Size          int    `toml:"size"`
	Stream        string `toml:"stream"`
	Subject       string `toml:"subject"`
	ConsumerName  string `toml:"consumer_name"`
	DeliverGroup  string `toml:"deliver_group"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
	DLQ           bool   `toml:"dlq"`
	DLQStream     string `toml:"dlq_stream"`
	DLQSubject    string `toml:"dlq_subject"`
}

// NotifyRetry configures capped exponential delivery retries.
// Params: attempt bound, base/max delay in ms, multiplier, and attempt logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	MaxAttempts    int     `toml:"max_attempts"`
	InitialMS      int     `toml:"initial_ms"`
	Multiplier     float64 `toml:"multiplier"`
	MaxMS          int     `toml:"max_ms"`
	LogEachAttempt bool    `toml:"log_each_attempt"`
}

// ChannelConfig binds one action type to a delivery backend.
type ChannelConfig struct {
	Backend    string            `toml:"backend"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
}

// TelegramNotifier defines Telegram bot settings for PUSH delivery.
type TelegramNotifier struct {
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
}

// APIConfig configures the alert query/command HTTP boundary.
type APIConfig struct {
	Enabled         *bool  `toml:"enabled"`
	BasePath        string `toml:"base_path"`
	ActorHeader     string `toml:"actor_header"`
	ActorNameHeader string `toml:"actor_name_header"`
	MaxListLimit    int    `toml:"max_list_limit"`
}

// IsEnabled reports whether the alert API is mounted; enabled unless set to false.
func (c APIConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CatalogConfig selects where triggers come from and how changes propagate.
type CatalogConfig struct {
	Source             string `toml:"source"`
	RefreshIntervalSec int    `toml:"refresh_interval_sec"`
	WatchEnabled       bool   `toml:"watch_enabled"`
	ChangeSubject      string `toml:"change_subject"`
}

// TopologyConfig selects topology source and holds the file-defined tree.
type TopologyConfig struct {
	Source            string                        `toml:"source"`
	ReloadIntervalSec int                           `toml:"reload_interval_sec"`
	Organization      map[string]OrganizationConfig `toml:"organization"`
}

// OrganizationConfig is one `[topology.organization.<id>]` table.
type OrganizationConfig struct {
	Name string                `toml:"name"`
	Site map[string]SiteConfig `toml:"site"`
}

// SiteConfig is one site under an organization.
type SiteConfig struct {
	Name     string                    `toml:"name"`
	Compound map[string]CompoundConfig `toml:"compound"`
}

// CompoundConfig is one compound under a site.
type CompoundConfig struct {
	Name string                `toml:"name"`
	Cell map[string]CellConfig `toml:"cell"`
}

// CellConfig is one storage cell with its commodity and assigned sensors.
type CellConfig struct {
	Name          string   `toml:"name"`
	CommodityType string   `toml:"commodity_type"`
	Sensors       []string `toml:"sensors"`
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, path, and file rotation limits.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// TriggerConfig is one file-defined trigger.
// Params: trigger fields with condition/action wire specs.
// Returns: definition converted by ToTrigger.
type TriggerConfig struct {
	ID             string
	Name           string
	OrganizationID string
	ScopeType      string
	ScopeID        string
	Logic          string
	Severity       string
	Active         bool
	Description    string
	Conditions     []domain.ConditionSpec
	Actions        []domain.Action
}

// ToTrigger converts file trigger into validated domain trigger.
// Params: normalized trigger config.
// Returns: domain trigger or condition/trigger validation error.
func (t TriggerConfig) ToTrigger() (domain.Trigger, error) {
	conditions := make([]domain.Condition, 0, len(t.Conditions))
	for i, spec := range t.Conditions {
		cond, err := spec.ToCondition()
		if err != nil {
			return domain.Trigger{}, fmt.Errorf("condition[%d]: %w", i, err)
		}
		conditions = append(conditions, cond)
	}
	actions := make([]domain.Action, 0, len(t.Actions))
	for _, action := range t.Actions {
		action.Type = domain.ActionType(strings.ToUpper(strings.TrimSpace(string(action.Type))))
		actions = append(actions, action)
	}
	trigger := domain.Trigger{
		ID:             t.ID,
		Name:           t.Name,
		OrganizationID: t.OrganizationID,
		ScopeType:      domain.ScopeType(strings.ToUpper(strings.TrimSpace(t.ScopeType))),
		ScopeID:        strings.TrimSpace(t.ScopeID),
		Logic:          domain.Logic(strings.ToUpper(strings.TrimSpace(t.Logic))),
		Conditions:     conditions,
		Actions:        actions,
		Severity:       domain.Severity(strings.ToUpper(strings.TrimSpace(t.Severity))),
		IsActive:       t.Active,
		Description:    t.Description,
	}
	if err := trigger.Validate(); err != nil {
		return domain.Trigger{}, err
	}
	return trigger, nil
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
type configMergeHints struct {
	Service struct {
		ReloadEnabled *bool `toml:"reload_enabled"`
	} `toml:"service"`
	Notify struct {
		Queue struct {
			DLQ *bool `toml:"dlq"`
		} `toml:"queue"`
	} `toml:"notify"`
	Catalog struct {
		WatchEnabled *bool `toml:"watch_enabled"`
	} `toml:"catalog"`
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:  raw.Service,
		Log:      raw.Log,
		Ingest:   raw.Ingest,
		Store:    raw.Store,
		Notify:   raw.Notify,
		API:      raw.API,
		Catalog:  raw.Catalog,
		Topology: raw.Topology,
	}
	if len(raw.Trigger) == 0 {
		return cfg, nil
	}

	ids := make([]string, 0, len(raw.Trigger))
	for id := range raw.Trigger {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cfg.Trigger = make([]TriggerConfig, 0, len(ids))
	for _, id := range ids {
		body := raw.Trigger[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("trigger.%s.id is not supported; use [trigger.%s] key as trigger id", id, id)
		}
		active := true
		if body.Active != nil {
			active = *body.Active
		}
		name := body.Name
		if strings.TrimSpace(name) == "" {
			name = id
		}
		cfg.Trigger = append(cfg.Trigger, TriggerConfig{
			ID:             id,
			Name:           name,
			OrganizationID: body.OrganizationID,
			ScopeType:      body.ScopeType,
			ScopeID:        body.ScopeID,
			Logic:          body.Logic,
			Severity:       body.Severity,
			Active:         active,
			Description:    body.Description,
			Conditions:     body.Condition,
			Actions:        body.Action,
		})
	}
	return cfg, nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyTriggerArrayPattern.Match(body) {
		return errors.New("[[trigger]] arrays are not supported; use [trigger.<trigger_id>] tables")
	}
	if legacyRuleTablePattern.Match(body) {
		return errors.New("[rule] tables are not supported; define [trigger.<trigger_id>] tables")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory in lexical order.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) || hints.Service.ReloadEnabled != nil {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	if hasNotifyConfig(src.Notify) || hints.Notify.Queue.DLQ != nil {
		dst.Notify = src.Notify
	}
	if src.API != (APIConfig{}) {
		dst.API = src.API
	}
	if src.Catalog != (CatalogConfig{}) || hints.Catalog.WatchEnabled != nil {
		dst.Catalog = src.Catalog
	}
	mergeTopology(&dst.Topology, src.Topology)
	if len(src.Trigger) > 0 {
		dst.Trigger = append(dst.Trigger, src.Trigger...)
	}
}

// mergeTopology overlays scalar topology settings and adds organizations by id.
func mergeTopology(dst *TopologyConfig, src TopologyConfig) {
	if strings.TrimSpace(src.Source) != "" {
		dst.Source = src.Source
	}
	if src.ReloadIntervalSec != 0 {
		dst.ReloadIntervalSec = src.ReloadIntervalSec
	}
	if len(src.Organization) == 0 {
		return
	}
	if dst.Organization == nil {
		dst.Organization = make(map[string]OrganizationConfig, len(src.Organization))
	}
	for id, org := range src.Organization {
		dst.Organization[id] = org
	}
}

func hasIngestConfig(cfg IngestConfig) bool {
	return cfg.HTTP != (HTTPIngestConfig{}) ||
		cfg.NATS.Enabled || len(cfg.NATS.URL) > 0 || cfg.NATS.Workers != 0 ||
		cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) > 0 ||
		cfg.MQTT != (MQTTIngestConfig{})
}

func hasNotifyConfig(cfg NotifyConfig) bool {
	return strings.TrimSpace(cfg.DefaultLocale) != "" ||
		cfg.Retry != (NotifyRetry{}) ||
		cfg.Queue != (NotifyQueue{}) ||
		hasChannelConfig(cfg.Email) || hasChannelConfig(cfg.SMS) ||
		hasChannelConfig(cfg.Push) || hasChannelConfig(cfg.Webhook) ||
		cfg.Telegram != (TelegramNotifier{})
}

func hasChannelConfig(cfg ChannelConfig) bool {
	return cfg.Backend != "" || cfg.URL != "" || cfg.Method != "" || cfg.TimeoutSec != 0 || len(cfg.Headers) > 0
}

// applyDefaults fills omitted settings.
// Params: decoded config snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "grainwatch"
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.SweepIntervalSec == 0 {
		cfg.Service.SweepIntervalSec = defaultSweepSeconds
	}
	if cfg.Service.PruneIntervalSec == 0 {
		cfg.Service.PruneIntervalSec = defaultPruneSeconds
	}
	if cfg.Service.Workers <= 0 {
		cfg.Service.Workers = defaultWorkers
	}
	if cfg.Service.QueueSize <= 0 {
		cfg.Service.QueueSize = defaultQueueSize
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = 100
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	applyIngestDefaults(cfg)

	cfg.Store.Alerts = strings.ToLower(strings.TrimSpace(cfg.Store.Alerts))
	if cfg.Store.Alerts == "" {
		if cfg.Service.Mode == ServiceModeNATS {
			cfg.Store.Alerts = StoreNATS
		} else {
			cfg.Store.Alerts = StoreMemory
		}
	}
	cfg.Store.Readings = strings.ToLower(strings.TrimSpace(cfg.Store.Readings))
	if cfg.Store.Readings == "" {
		cfg.Store.Readings = StoreMemory
	}
	if cfg.Store.RetentionDays <= 0 {
		cfg.Store.RetentionDays = defaultRetentionDays
	}
	if cfg.Store.Postgres.MaxOpenConns <= 0 {
		cfg.Store.Postgres.MaxOpenConns = 10
	}
	if cfg.Store.Postgres.MaxIdleConns <= 0 {
		cfg.Store.Postgres.MaxIdleConns = 5
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = defaultRedisPrefix
	}
	if cfg.Store.NATS.AlertsBucket == "" {
		cfg.Store.NATS.AlertsBucket = defaultAlertsBucket
	}
	if cfg.Store.NATS.HoldsBucket == "" {
		cfg.Store.NATS.HoldsBucket = defaultHoldsBucket
	}

	applyNotifyDefaults(&cfg.Notify)

	if cfg.API.Enabled == nil {
		enabled := true
		cfg.API.Enabled = &enabled
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = defaultAPIBasePath
	}
	if cfg.API.ActorHeader == "" {
		cfg.API.ActorHeader = defaultActorHeader
	}
	if cfg.API.ActorNameHeader == "" {
		cfg.API.ActorNameHeader = defaultActorNameHeader
	}
	if cfg.API.MaxListLimit <= 0 {
		cfg.API.MaxListLimit = defaultAPIListLimit
	}

	cfg.Catalog.Source = strings.ToLower(strings.TrimSpace(cfg.Catalog.Source))
	if cfg.Catalog.Source == "" {
		cfg.Catalog.Source = SourceTOML
	}
	if cfg.Catalog.RefreshIntervalSec <= 0 {
		cfg.Catalog.RefreshIntervalSec = cfg.Service.ReloadIntervalSec
	}
	if cfg.Catalog.ChangeSubject == "" {
		cfg.Catalog.ChangeSubject = defaultChangeSubject
	}
	cfg.Topology.Source = strings.ToLower(strings.TrimSpace(cfg.Topology.Source))
	if cfg.Topology.Source == "" {
		cfg.Topology.Source = SourceTOML
	}
	if cfg.Topology.ReloadIntervalSec <= 0 {
		cfg.Topology.ReloadIntervalSec = cfg.Service.ReloadIntervalSec
	}
}

func applyIngestDefaults(cfg *Config) {
	httpCfg := &cfg.Ingest.HTTP
	if strings.TrimSpace(httpCfg.Listen) == "" {
		httpCfg.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(httpCfg.HealthPath) == "" {
		httpCfg.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(httpCfg.ReadyPath) == "" {
		httpCfg.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(httpCfg.IngestPath) == "" {
		httpCfg.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(httpCfg.MetricsPath) == "" {
		httpCfg.MetricsPath = defaultMetricsPath
	}
	if httpCfg.MaxBodyBytes <= 0 {
		httpCfg.MaxBodyBytes = 2 << 20
	}
	if cfg.Service.Mode == ServiceModeSingle {
		httpCfg.Enabled = true
	}

	natsCfg := &cfg.Ingest.NATS
	natsCfg.URL = normalizeURLs(natsCfg.URL)
	if cfg.Service.Mode == ServiceModeNATS && len(natsCfg.URL) == 0 {
		natsCfg.URL = []string{defaultNATSURL}
	}
	if natsCfg.Subject == "" {
		natsCfg.Subject = defaultNATSSubject
	}
	if natsCfg.Stream == "" {
		natsCfg.Stream = defaultNATSIngestStream
	}
	if natsCfg.ConsumerName == "" {
		natsCfg.ConsumerName = defaultNATSIngestConsumer
	}
	if natsCfg.DeliverGroup == "" {
		natsCfg.DeliverGroup = defaultNATSIngestGroup
	}
	if natsCfg.Workers == 0 {
		natsCfg.Workers = defaultNATSIngestWorkers
	}
	if natsCfg.AckWaitSec == 0 {
		natsCfg.AckWaitSec = defaultNATSAckWaitSec
	}
	if natsCfg.NackDelayMS == 0 {
		natsCfg.NackDelayMS = defaultNATSNackDelayMS
	}
	if natsCfg.MaxDeliver == 0 {
		natsCfg.MaxDeliver = defaultNATSMaxDeliver
	}
	if natsCfg.MaxAckPending == 0 {
		natsCfg.MaxAckPending = defaultNATSMaxAckPending
	}

	kafkaCfg := &cfg.Ingest.Kafka
	if kafkaCfg.Topic == "" {
		kafkaCfg.Topic = defaultKafkaTopic
	}
	if kafkaCfg.GroupID == "" {
		kafkaCfg.GroupID = defaultKafkaGroupID
	}
	if kafkaCfg.MinBytes <= 0 {
		kafkaCfg.MinBytes = 1
	}
	if kafkaCfg.MaxBytes <= 0 {
		kafkaCfg.MaxBytes = 10 << 20
	}

	mqttCfg := &cfg.Ingest.MQTT
	if mqttCfg.Topic == "" {
		mqttCfg.Topic = defaultMQTTTopic
	}
	if mqttCfg.ClientID == "" {
		mqttCfg.ClientID = defaultMQTTClientID
	}
	if mqttCfg.QoS == 0 {
		mqttCfg.QoS = defaultMQTTQoS
	}
	if mqttCfg.ConnectTimeoutSec <= 0 {
		mqttCfg.ConnectTimeoutSec = 10
	}
}

func applyNotifyDefaults(cfg *NotifyConfig) {
	if strings.TrimSpace(cfg.DefaultLocale) == "" {
		cfg.DefaultLocale = defaultNotifyLocale
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialMS <= 0 {
		cfg.Retry.InitialMS = 500
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Retry.MaxMS <= 0 {
		cfg.Retry.MaxMS = 60000
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.Size <= 0 {
		cfg.Queue.Size = defaultQueueSize
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = defaultNotifyStream
	}
	if cfg.Queue.Subject == "" {
		cfg.Queue.Subject = defaultNotifySubject
	}
	if cfg.Queue.ConsumerName == "" {
		cfg.Queue.ConsumerName = defaultNotifyConsumer
	}
	if cfg.Queue.DeliverGroup == "" {
		cfg.Queue.DeliverGroup = defaultNotifyGroup
	}
	if cfg.Queue.DLQStream == "" {
		cfg.Queue.DLQStream = defaultNotifyDLQStream
	}
	if cfg.Queue.DLQSubject == "" {
		cfg.Queue.DLQSubject = defaultNotifyDLQSubject
	}
	if cfg.Queue.AckWaitSec <= 0 {
		cfg.Queue.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Queue.NackDelayMS <= 0 {
		cfg.Queue.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Queue.MaxDeliver == 0 {
		cfg.Queue.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Queue.MaxAckPending <= 0 {
		cfg.Queue.MaxAckPending = defaultNATSMaxAckPending
	}
	for _, channel := range []*ChannelConfig{&cfg.Email, &cfg.SMS, &cfg.Push, &cfg.Webhook} {
		channel.Backend = strings.ToLower(strings.TrimSpace(channel.Backend))
		if channel.Backend == "" {
			channel.Backend = BackendLog
		}
		if channel.Method == "" {
			channel.Method = "POST"
		}
		if channel.TimeoutSec <= 0 {
			channel.TimeoutSec = defaultNotifyTimeoutSec
		}
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.SweepIntervalSec < 0 {
		return errors.New("service.sweep_interval_sec must be >=0")
	}
	if cfg.Service.PruneIntervalSec < 0 {
		return errors.New("service.prune_interval_sec must be >=0")
	}
	if err := validateIngest(mode, cfg.Ingest); err != nil {
		return err
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateStore(mode, cfg); err != nil {
		return err
	}
	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg.API.BasePath, "/") {
		return errors.New("api.base_path must start with /")
	}

	switch cfg.Catalog.Source {
	case SourceTOML:
	case SourcePostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return errors.New("store.postgres.dsn is required when catalog.source=postgres")
		}
	default:
		return fmt.Errorf("catalog.source has unsupported value %q", cfg.Catalog.Source)
	}
	if cfg.Catalog.WatchEnabled && len(cfg.Ingest.NATS.URL) == 0 {
		return errors.New("catalog.watch_enabled requires ingest.nats.url")
	}
	switch cfg.Topology.Source {
	case SourceTOML:
		if err := validateTopology(cfg.Topology); err != nil {
			return err
		}
	case SourcePostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return errors.New("store.postgres.dsn is required when topology.source=postgres")
		}
	default:
		return fmt.Errorf("topology.source has unsupported value %q", cfg.Topology.Source)
	}

	if cfg.Catalog.Source == SourceTOML && len(cfg.Trigger) == 0 {
		return errors.New("at least one trigger is required when catalog.source=toml")
	}
	triggerIDs := make(map[string]struct{}, len(cfg.Trigger))
	for i, trigger := range cfg.Trigger {
		if _, exists := triggerIDs[trigger.ID]; exists {
			return fmt.Errorf("duplicate trigger id %q", trigger.ID)
		}
		triggerIDs[trigger.ID] = struct{}{}
		if err := validateTrigger(trigger); err != nil {
			return fmt.Errorf("trigger[%d] %q: %w", i, trigger.ID, err)
		}
	}
	return nil
}

func validateIngest(mode string, cfg IngestConfig) error {
	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	for name, path := range map[string]string{
		"ingest.http.health_path":  cfg.HTTP.HealthPath,
		"ingest.http.ready_path":   cfg.HTTP.ReadyPath,
		"ingest.http.ingest_path":  cfg.HTTP.IngestPath,
		"ingest.http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	if mode == ServiceModeSingle && cfg.NATS.Enabled {
		return errors.New("ingest.nats.enabled is not supported when service.mode=single")
	}
	if mode == ServiceModeNATS {
		if len(cfg.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required")
		}
		if cfg.NATS.Enabled {
			if cfg.NATS.Workers <= 0 {
				return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
			}
			if cfg.NATS.AckWaitSec <= 0 {
				return errors.New("ingest.nats.ack_wait_sec must be >0 when ingest.nats.enabled=true")
			}
			if cfg.NATS.NackDelayMS < 0 {
				return errors.New("ingest.nats.nack_delay_ms must be >=0")
			}
			if cfg.NATS.MaxDeliver == 0 || cfg.NATS.MaxDeliver < -1 {
				return errors.New("ingest.nats.max_deliver must be -1 or >0")
			}
			if cfg.NATS.MaxAckPending <= 0 {
				return errors.New("ingest.nats.max_ack_pending must be >0 when ingest.nats.enabled=true")
			}
		}
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("ingest.kafka.brokers is required when ingest.kafka.enabled=true")
		}
		if cfg.Kafka.MinBytes > cfg.Kafka.MaxBytes {
			return errors.New("ingest.kafka.min_bytes must be <= max_bytes")
		}
	}
	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			return errors.New("ingest.mqtt.broker is required when ingest.mqtt.enabled=true")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return errors.New("ingest.mqtt.qos must be 0, 1 or 2")
		}
	}
	if !cfg.HTTP.Enabled && !cfg.NATS.Enabled && !cfg.Kafka.Enabled && !cfg.MQTT.Enabled {
		return errors.New("at least one ingest source must be enabled")
	}
	return nil
}

func validateStore(mode string, cfg Config) error {
	switch cfg.Store.Alerts {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return errors.New("store.postgres.dsn is required when store.alerts=postgres")
		}
	case StoreNATS:
		if mode != ServiceModeNATS {
			return errors.New("store.alerts=nats requires service.mode=nats")
		}
	default:
		return fmt.Errorf("store.alerts has unsupported value %q", cfg.Store.Alerts)
	}
	switch cfg.Store.Readings {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(cfg.Store.Redis.Addr) == "" {
			return errors.New("store.redis.addr is required when store.readings=redis")
		}
	default:
		return fmt.Errorf("store.readings has unsupported value %q", cfg.Store.Readings)
	}
	return nil
}

func validateNotify(cfg NotifyConfig) error {
	if cfg.Retry.Multiplier < 1 {
		return errors.New("notify.retry.multiplier must be >=1")
	}
	if cfg.Retry.MaxMS < cfg.Retry.InitialMS {
		return errors.New("notify.retry.max_ms must be >= initial_ms")
	}
	if cfg.Queue.MaxDeliver < -1 {
		return errors.New("notify.queue.max_deliver must be -1 or >0")
	}
	for actionType, channel := range NotifyChannels(cfg) {
		path := "notify." + strings.ToLower(string(actionType))
		if !supportsBackend(actionType, channel.Backend) {
			return fmt.Errorf("%s.backend has unsupported value %q", path, channel.Backend)
		}
		if channel.Backend == BackendHTTP && strings.TrimSpace(channel.URL) == "" {
			return fmt.Errorf("%s.url is required when backend=http", path)
		}
		if channel.Backend == BackendTelegram {
			if strings.TrimSpace(cfg.Telegram.BotToken) == "" {
				return fmt.Errorf("notify.telegram.bot_token is required when %s.backend=telegram", path)
			}
			if strings.TrimSpace(cfg.Telegram.ChatID) == "" {
				return fmt.Errorf("notify.telegram.chat_id is required when %s.backend=telegram", path)
			}
		}
	}
	return nil
}

func validateTopology(cfg TopologyConfig) error {
	seenCells := make(map[string]string)
	seenSensors := make(map[string]string)
	for orgID, org := range cfg.Organization {
		for siteID, site := range org.Site {
			for compoundID, compound := range site.Compound {
				for cellID, cell := range compound.Cell {
					path := fmt.Sprintf("topology.organization.%s.site.%s.compound.%s.cell.%s", orgID, siteID, compoundID, cellID)
					if other, exists := seenCells[cellID]; exists {
						return fmt.Errorf("%s duplicates cell id defined at %s", path, other)
					}
					seenCells[cellID] = path
					for _, sensor := range cell.Sensors {
						sensor = strings.TrimSpace(sensor)
						if sensor == "" {
							return fmt.Errorf("%s.sensors contains empty id", path)
						}
						if other, exists := seenSensors[sensor]; exists {
							return fmt.Errorf("%s.sensors: sensor %q already assigned at %s", path, sensor, other)
						}
						seenSensors[sensor] = path
					}
				}
			}
		}
	}
	return nil
}

func validateTrigger(trigger TriggerConfig) error {
	if _, err := trigger.ToTrigger(); err != nil {
		return err
	}
	for i, action := range trigger.Actions {
		for locale, body := range action.Template.Body {
			if err := templatefmt.Validate(body); err != nil {
				return fmt.Errorf("action[%d].template.body.%s: %w", i, locale, err)
			}
		}
		for locale, subject := range action.Template.Subject {
			if err := templatefmt.Validate(subject); err != nil {
				return fmt.Errorf("action[%d].template.subject.%s: %w", i, locale, err)
			}
		}
	}
	return nil
}

func supportsBackend(actionType domain.ActionType, backend string) bool {
	for _, candidate := range channelBackends[actionType] {
		if candidate == backend {
			return true
		}
	}
	return false
}

// NotifyChannels maps action types to their channel configs.
// Params: notify config.
// Returns: per-action-type channel settings.
func NotifyChannels(cfg NotifyConfig) map[domain.ActionType]ChannelConfig {
	return map[domain.ActionType]ChannelConfig{
		domain.ActionEmail:   cfg.Email,
		domain.ActionSMS:     cfg.SMS,
		domain.ActionPush:    cfg.Push,
		domain.ActionWebhook: cfg.Webhook,
	}
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

func normalizeURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	if sink.MaxBackups < 0 || sink.MaxAgeDays < 0 {
		return fmt.Errorf("%s rotation limits must be >=0", name)
	}
	return nil
}
