// Package config reads gateway settings from the environment, after loading
// an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	FlowTurn   = "turn"
	FlowStream = "stream"
)

// Default MODEL_ID per inference provider.
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultVertexModel = "gemini-2.0-flash"
)

type Config struct {
	Port          string
	PublicBaseURL string
	LogLevel      string
	LogFormat     string

	CallFlow       string
	SessionIdleTTL time.Duration

	AgentName   string
	CompanyName string
	PersonaFile string
	TwimlVoice  string
	// TwilioAuthToken enables webhook signature checks.
	TwilioAuthToken string

	InferenceProvider string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	ModelID           string
	VertexProject     string
	VertexLocation    string

	SynthesisModel string
	SynthesisVoice string

	StoreBackend string
	RedisURL     string
	BadgerDir    string
	StoreTTL     time.Duration

	DirectoryBackend string
	SupabaseURL      string
	SupabaseKey      string
	SupabaseTable    string
	SQLiteDSN        string
	DefaultRegion    string

	BlobBackend       string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PresignTTL      time.Duration
	// AudioRetention is how long the memory blob store keeps audio.
	AudioRetention time.Duration

	AgentID          string
	AgentURL         string
	AgentVoice       string
	AgentAudioFormat string

	WhatsAppToken  string
	PhoneNumberID  string
	VerifyToken    string
	WhatsAppGraph  string
	WhatsAppSTUN   string
	ShutdownPeriod time.Duration
}

// Load reads .env from the working directory when present, then the
// environment. It fails only on malformed values; missing credentials leave
// the matching component on its degraded default and are reported by
// Warnings.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not read .env")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		d, err := envDurationOr(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}

	cfg := Config{
		Port:          envOr("PORT", "3000"),
		PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "console"),

		CallFlow:       strings.ToLower(envOr("CALL_FLOW", FlowTurn)),
		SessionIdleTTL: dur("SESSION_IDLE_TTL", 30*time.Minute),

		AgentName:   envOr("AGENT_NAME", "Ava"),
		CompanyName: envOr("COMPANY_NAME", "our company"),
		PersonaFile: os.Getenv("PERSONA_FILE"),
		TwimlVoice:  envOr("TWIML_VOICE", "alice"),

		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),

		InferenceProvider: strings.ToLower(envOr("INFERENCE_PROVIDER", "openai")),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		ModelID:           os.Getenv("MODEL_ID"),
		VertexProject:     os.Getenv("VERTEX_PROJECT"),
		VertexLocation:    envOr("VERTEX_LOCATION", "us-central1"),

		SynthesisModel: envOr("SYNTHESIS_MODEL", "tts-1"),
		SynthesisVoice: envOr("SYNTHESIS_VOICE", "alloy"),

		StoreBackend: strings.ToLower(envOr("STORE_BACKEND", "memory")),
		RedisURL:     os.Getenv("REDIS_URL"),
		BadgerDir:    os.Getenv("BADGER_DIR"),
		StoreTTL:     dur("STORE_TTL", 24*time.Hour),

		DirectoryBackend: strings.ToLower(envOr("DIRECTORY_BACKEND", "none")),
		SupabaseURL:      os.Getenv("SUPABASE_URL"),
		SupabaseKey:      os.Getenv("SUPABASE_KEY"),
		SupabaseTable:    envOr("SUPABASE_TABLE", "customers"),
		SQLiteDSN:        envOr("SQLITE_DSN", "file:directory.db"),
		DefaultRegion:    strings.ToUpper(envOr("DEFAULT_REGION", "US")),

		BlobBackend:       strings.ToLower(envOr("BLOB_BACKEND", "memory")),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3PresignTTL:      dur("S3_PRESIGN_TTL", time.Hour),
		AudioRetention:    dur("AUDIO_RETENTION", 10*time.Minute),

		AgentID:          os.Getenv("AGENT_ID"),
		AgentURL:         os.Getenv("AGENT_URL"),
		AgentVoice:       os.Getenv("AGENT_VOICE"),
		AgentAudioFormat: envOr("AGENT_AUDIO_FORMAT", "g711_ulaw"),

		WhatsAppToken:  os.Getenv("WHATSAPP_TOKEN"),
		PhoneNumberID:  os.Getenv("PHONE_NUMBER_ID"),
		VerifyToken:    envOr("VERIFY_TOKEN", "whatsapp_bridge_token"),
		WhatsAppGraph:  os.Getenv("WHATSAPP_GRAPH_URL"),
		WhatsAppSTUN:   envOr("WHATSAPP_STUN", "stun:stun.l.google.com:19302"),
		ShutdownPeriod: dur("SHUTDOWN_GRACE_PERIOD", 15*time.Second),
	}

	if err := oneOf("CALL_FLOW", cfg.CallFlow, FlowTurn, FlowStream); err != nil {
		errs = append(errs, err.Error())
	}
	if err := oneOf("INFERENCE_PROVIDER", cfg.InferenceProvider, "openai", "vertex"); err != nil {
		errs = append(errs, err.Error())
	}
	if err := oneOf("STORE_BACKEND", cfg.StoreBackend, "memory", "redis", "badger"); err != nil {
		errs = append(errs, err.Error())
	}
	if err := oneOf("DIRECTORY_BACKEND", cfg.DirectoryBackend, "none", "supabase", "sqlite"); err != nil {
		errs = append(errs, err.Error())
	}
	if err := oneOf("BLOB_BACKEND", cfg.BlobBackend, "memory", "s3"); err != nil {
		errs = append(errs, err.Error())
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = DefaultOpenAIModel
		if cfg.InferenceProvider == "vertex" {
			cfg.ModelID = DefaultVertexModel
		}
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// Warnings lists settings that leave a component degraded. The gateway still
// starts with them.
func (c Config) Warnings() []string {
	var w []string
	if c.PublicBaseURL == "" {
		w = append(w, "PUBLIC_BASE_URL not set: webhook callbacks and audio links are relative")
	}
	switch c.InferenceProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			w = append(w, "OPENAI_API_KEY not set: inference, synthesis and the realtime agent will fail")
		}
	case "vertex":
		if c.VertexProject == "" {
			w = append(w, "VERTEX_PROJECT not set: inference will fail")
		}
		if c.OpenAIAPIKey == "" {
			w = append(w, "OPENAI_API_KEY not set: synthesis and the realtime agent will fail")
		}
	}
	if c.StoreBackend == "redis" && c.RedisURL == "" {
		w = append(w, "REDIS_URL not set: using the memory store")
	}
	if c.DirectoryBackend == "supabase" && (c.SupabaseURL == "" || c.SupabaseKey == "") {
		w = append(w, "SUPABASE_URL or SUPABASE_KEY not set: every caller is anonymous")
	}
	if c.BlobBackend == "s3" && c.S3Bucket == "" {
		w = append(w, "S3_BUCKET not set: using in-memory audio hosting")
	}
	if c.WhatsAppToken == "" || c.PhoneNumberID == "" {
		w = append(w, "WHATSAPP_TOKEN or PHONE_NUMBER_ID not set: WhatsApp calls cannot be accepted")
	}
	return w
}

// EffectiveStore is the store backend after degraded fallbacks.
func (c Config) EffectiveStore() string {
	if c.StoreBackend == "redis" && c.RedisURL == "" {
		return "memory"
	}
	return c.StoreBackend
}

// EffectiveDirectory is the directory backend after degraded fallbacks.
func (c Config) EffectiveDirectory() string {
	if c.DirectoryBackend == "supabase" && (c.SupabaseURL == "" || c.SupabaseKey == "") {
		return "none"
	}
	return c.DirectoryBackend
}

// EffectiveBlob is the blob backend after degraded fallbacks.
func (c Config) EffectiveBlob() string {
	if c.BlobBackend == "s3" && c.S3Bucket == "" {
		return "memory"
	}
	return c.BlobBackend
}

// URL joins path onto the public base URL. Without a base URL the path is
// returned as is, which Twilio resolves against the webhook URL.
func (c Config) URL(path string) string {
	return c.PublicBaseURL + path
}

// StreamURL is the websocket address of the media stream endpoint.
func (c Config) StreamURL(path string) string {
	base := c.PublicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDurationOr(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	// Bare numbers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return def, fmt.Errorf("%s: invalid duration %q", key, v)
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", key, strings.Join(allowed, "|"))
}
