// Package config holds the environment-sourced tunables of the ingestion
// core. There is no config file: every knob is an env var with a built-in
// default, loaded once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config contains all tunables for one pod.
type Config struct {
	// Threshold is the number of ready messages required before a user's
	// queue is absorbed.
	Threshold int

	// MessageTTL bounds how long unabsorbed staged messages survive.
	MessageTTL time.Duration

	// ConversationTTL bounds how long buffered conversation pairs survive.
	ConversationTTL time.Duration

	// MaxMessages caps the per-user message queue; oldest entries are
	// trimmed when exceeded.
	MaxMessages int

	// MaxConversations caps the per-user conversation queue. Must not
	// exceed MaxMessages.
	MaxConversations int

	// AbsorbLockTTL bounds stale absorption locks after a pod death.
	AbsorbLockTTL time.Duration

	// InitLockTTL bounds stale user-initialization locks.
	InitLockTTL time.Duration

	// InitDoneTTL is the lifetime of the one-shot initialization marker.
	InitDoneTTL time.Duration

	// UploadStatusTTL is the lifetime of coordinator upload-status records.
	UploadStatusTTL time.Duration

	// DispatchConcurrency bounds the direct-mode fan-out worker pool.
	DispatchConcurrency int

	// SkipMetaCoordinator selects direct fan-out over the meta-memory agent.
	SkipMetaCoordinator bool

	// RequeueOnDispatchFailure pushes a fully-failed batch back to the queue
	// head instead of dropping it (at-least-once, duplicate risk).
	RequeueOnDispatchFailure bool

	// RecentImageWindow is the recency filter for chat-context images.
	RecentImageWindow time.Duration

	// UploadWorkers bounds concurrent file uploads per pod.
	UploadWorkers int

	// UploadTimeout bounds one upload end to end, queue wait included.
	UploadTimeout time.Duration

	// CleanupWorkers bounds the background local-file cleanup pool.
	CleanupWorkers int

	// VoiceWorkspace is the per-pod directory for decoded audio segments.
	// Empty means the OS temp dir.
	VoiceWorkspace string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Threshold:           10,
		MessageTTL:          24 * time.Hour,
		ConversationTTL:     time.Hour,
		MaxMessages:         100,
		MaxConversations:    50,
		AbsorbLockTTL:       30 * time.Second,
		InitLockTTL:         30 * time.Second,
		InitDoneTTL:         7 * 24 * time.Hour,
		UploadStatusTTL:     time.Hour,
		DispatchConcurrency: 6,
		RecentImageWindow:   time.Minute,
		UploadWorkers:       4,
		UploadTimeout:       5 * time.Minute,
		CleanupWorkers:      2,
	}
}

// FromEnv loads configuration from environment variables, starting from the
// built-in defaults.
func FromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.Threshold, err = intEnv("MIRIX_THRESHOLD", cfg.Threshold); err != nil {
		return nil, err
	}
	if cfg.MessageTTL, err = secondsEnv("MIRIX_MESSAGE_TTL", cfg.MessageTTL); err != nil {
		return nil, err
	}
	if cfg.ConversationTTL, err = secondsEnv("MIRIX_CONVERSATION_TTL", cfg.ConversationTTL); err != nil {
		return nil, err
	}
	if cfg.MaxMessages, err = intEnv("MIRIX_MAX_MESSAGES", cfg.MaxMessages); err != nil {
		return nil, err
	}
	if cfg.MaxConversations, err = intEnv("MIRIX_MAX_CONVERSATIONS", cfg.MaxConversations); err != nil {
		return nil, err
	}
	if cfg.AbsorbLockTTL, err = secondsEnv("MIRIX_ABSORB_LOCK_TTL", cfg.AbsorbLockTTL); err != nil {
		return nil, err
	}
	if cfg.InitLockTTL, err = secondsEnv("MIRIX_INIT_LOCK_TTL", cfg.InitLockTTL); err != nil {
		return nil, err
	}
	if cfg.InitDoneTTL, err = secondsEnv("MIRIX_INIT_DONE_TTL", cfg.InitDoneTTL); err != nil {
		return nil, err
	}
	if cfg.UploadStatusTTL, err = secondsEnv("MIRIX_UPLOAD_STATUS_TTL", cfg.UploadStatusTTL); err != nil {
		return nil, err
	}
	if cfg.DispatchConcurrency, err = intEnv("MIRIX_DISPATCH_CONCURRENCY", cfg.DispatchConcurrency); err != nil {
		return nil, err
	}
	if cfg.RecentImageWindow, err = secondsEnv("MIRIX_RECENT_IMAGE_WINDOW", cfg.RecentImageWindow); err != nil {
		return nil, err
	}
	if cfg.UploadWorkers, err = intEnv("MIRIX_UPLOAD_WORKERS", cfg.UploadWorkers); err != nil {
		return nil, err
	}
	if cfg.UploadTimeout, err = secondsEnv("MIRIX_UPLOAD_TIMEOUT", cfg.UploadTimeout); err != nil {
		return nil, err
	}
	if cfg.CleanupWorkers, err = intEnv("MIRIX_CLEANUP_WORKERS", cfg.CleanupWorkers); err != nil {
		return nil, err
	}
	cfg.SkipMetaCoordinator = boolEnv("MIRIX_SKIP_META_COORDINATOR", cfg.SkipMetaCoordinator)
	cfg.RequeueOnDispatchFailure = boolEnv("MIRIX_REQUEUE_ON_DISPATCH_FAILURE", cfg.RequeueOnDispatchFailure)
	cfg.VoiceWorkspace = getEnvOrDefault("MIRIX_VOICE_WORKSPACE", cfg.VoiceWorkspace)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("config: threshold must be >= 1, got %d", c.Threshold)
	}
	if c.MaxMessages < c.Threshold {
		return fmt.Errorf("config: max_messages (%d) must be >= threshold (%d)", c.MaxMessages, c.Threshold)
	}
	if c.MaxConversations > c.MaxMessages {
		return fmt.Errorf("config: max_conversations (%d) must be <= max_messages (%d)", c.MaxConversations, c.MaxMessages)
	}
	if c.DispatchConcurrency < 1 {
		return fmt.Errorf("config: dispatch_concurrency must be >= 1, got %d", c.DispatchConcurrency)
	}
	if c.UploadWorkers < 1 {
		return fmt.Errorf("config: upload_workers must be >= 1, got %d", c.UploadWorkers)
	}
	if c.UploadTimeout < time.Second {
		return fmt.Errorf("config: upload_timeout must be >= 1s, got %s", c.UploadTimeout)
	}
	if c.CleanupWorkers < 1 {
		return fmt.Errorf("config: cleanup_workers must be >= 1, got %d", c.CleanupWorkers)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func secondsEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func boolEnv(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
