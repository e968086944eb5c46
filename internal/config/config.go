package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "PATCHSET"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultGRPCAddress    = "0.0.0.0:8081"
	defaultDatabasePath   = "patchset.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultCookieName     = "patchset_session"
	defaultIssuer         = "patchset-auth"
	defaultTokenTTL       = 30
	defaultLockTTL        = 30
	defaultCacheSize      = 4096
	defaultIdentityName   = "Patchset Server"
	defaultIdentityEmail  = "noreply@patchset.invalid"
	ObjectsBackendMemory  = "memory"
	ObjectsBackendS3      = "s3"
	LocksBackendLocal     = "local"
	LocksBackendRedis     = "redis"
	permissionsKeyPrefix  = "permissions."
	defaultRedisLockKeyNS = "patchset:lock:"
)

// S3Config locates the bucket holding the object database.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	GRPCAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SigningSecret      string
	RetiredSecrets     []string
	TokenIssuer        string
	TokenTTL           time.Duration
	CookieName         string
	ObjectsBackend     string
	S3                 S3Config
	LocksBackend       string
	RedisAddress       string
	RedisKeyPrefix     string
	LockTTL            time.Duration
	ChangeKindCache    int
	Diff3              bool
	ServerIdentityName string
	ServerIdentityMail string
	Permissions        map[string][]string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("grpc.address", defaultGRPCAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("objects.backend", ObjectsBackendMemory)
	configViper.SetDefault("locks.backend", LocksBackendLocal)
	configViper.SetDefault("locks.redis.key_prefix", defaultRedisLockKeyNS)
	configViper.SetDefault("locks.ttl_seconds", defaultLockTTL)
	configViper.SetDefault("changekind.cache_size", defaultCacheSize)
	configViper.SetDefault("rebase.diff3", false)
	configViper.SetDefault("server.identity_name", defaultIdentityName)
	configViper.SetDefault("server.identity_email", defaultIdentityEmail)
	for _, permission := range permissions.All() {
		_ = configViper.BindEnv(permissionsKeyPrefix + string(permission))
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		GRPCAddress:    configViper.GetString("grpc.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		RetiredSecrets: principalList(configViper.GetStringSlice("auth.previous_signing_secrets")),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CookieName:     configViper.GetString("auth.cookie_name"),
		ObjectsBackend: normalizeBackend(configViper.GetString("objects.backend")),
		S3: S3Config{
			Bucket:    configViper.GetString("objects.s3.bucket"),
			Region:    configViper.GetString("objects.s3.region"),
			Endpoint:  configViper.GetString("objects.s3.endpoint"),
			AccessKey: configViper.GetString("objects.s3.access_key"),
			SecretKey: configViper.GetString("objects.s3.secret_key"),
		},
		LocksBackend:       normalizeBackend(configViper.GetString("locks.backend")),
		RedisAddress:       configViper.GetString("locks.redis.address"),
		RedisKeyPrefix:     configViper.GetString("locks.redis.key_prefix"),
		LockTTL:            time.Duration(configViper.GetInt("locks.ttl_seconds")) * time.Second,
		ChangeKindCache:    configViper.GetInt("changekind.cache_size"),
		Diff3:              configViper.GetBool("rebase.diff3"),
		ServerIdentityName: configViper.GetString("server.identity_name"),
		ServerIdentityMail: configViper.GetString("server.identity_email"),
		Permissions:        map[string][]string{},
	}
	for _, permission := range permissions.All() {
		key := permissionsKeyPrefix + string(permission)
		if !configViper.IsSet(key) {
			continue
		}
		cfg.Permissions[string(permission)] = principalList(configViper.GetStringSlice(key))
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func normalizeBackend(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// principalList accepts both YAML lists and comma separated environment values. Retired signing
// secrets use the same format.
func principalList(raw []string) []string {
	principals := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, principal := range strings.Split(entry, ",") {
			if principal = strings.TrimSpace(principal); principal != "" {
				principals = append(principals, principal)
			}
		}
	}
	return principals
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	for _, retired := range c.RetiredSecrets {
		if retired == c.SigningSecret {
			return fmt.Errorf("auth.previous_signing_secrets must not repeat auth.signing_secret")
		}
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.ObjectsBackend {
	case ObjectsBackendMemory:
	case ObjectsBackendS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("objects.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("objects.backend must be %q or %q, got %q", ObjectsBackendMemory, ObjectsBackendS3, c.ObjectsBackend)
	}
	switch c.LocksBackend {
	case LocksBackendLocal:
	case LocksBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("locks.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("locks.backend must be %q or %q, got %q", LocksBackendLocal, LocksBackendRedis, c.LocksBackend)
	}
	if c.ChangeKindCache < 0 {
		return fmt.Errorf("changekind.cache_size must not be negative")
	}
	return nil
}
