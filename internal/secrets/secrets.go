// Package secrets resolves external service credentials from a secret store
// and caches them for process lifetime. Failed lookups are logged and
// surfaced as an empty value; callers must treat a missing credential as a
// fatal startup condition.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Provider fetches a single secret value by name.
type Provider interface {
	Fetch(ctx context.Context, name string) (string, error)
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider resolves secrets from AWS Secrets Manager. Secret values are
// stored as a JSON envelope {"value": <secret>}.
type AWSProvider struct {
	client secretsManagerAPI
}

type secretEnvelope struct {
	Value string `json:"value"`
}

func NewAWSProvider(ctx context.Context, region string) (*AWSProvider, error) {
	region = strings.TrimSpace(region)
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSProvider{client: secretsmanager.NewFromConfig(cfg)}, nil
}

func (p *AWSProvider) Fetch(ctx context.Context, name string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("aws provider is not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	var env secretEnvelope
	if err := json.Unmarshal([]byte(*out.SecretString), &env); err != nil {
		return "", fmt.Errorf("secret %s is not a json envelope: %w", name, err)
	}
	if strings.TrimSpace(env.Value) == "" {
		return "", fmt.Errorf("secret %s envelope has empty value", name)
	}
	return env.Value, nil
}

// EnvProvider resolves secrets directly from environment variables. Used in
// dev mode where no secret store indirection is configured.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Fetch(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("secret not found in environment: %s", name)
	}
	return v, nil
}

// Store is a caching front over a Provider. Values are cached for process
// lifetime; a race on first populate is harmless since all writers compute
// the same value.
type Store struct {
	provider Provider
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

func NewStore(provider Provider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider: provider,
		logger:   logger,
		cache:    make(map[string]string),
	}
}

// Lookup returns the secret value for name, or the empty string when the
// lookup fails. Failures are logged, never propagated; the caller decides
// whether an empty secret is fatal.
func (s *Store) Lookup(ctx context.Context, name string) string {
	if s == nil || s.provider == nil {
		return ""
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	s.mu.RLock()
	v, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return v
	}
	v, err := s.provider.Fetch(ctx, name)
	if err != nil {
		s.logger.Error("secret_lookup_error", "name", name, "error", err.Error())
		return ""
	}
	s.mu.Lock()
	s.cache[name] = v
	s.mu.Unlock()
	return v
}

// Credentials are the resolved external-service credentials the bot needs
// before it may serve traffic.
type Credentials struct {
	BotToken      string
	SigningSecret string
	AgentAPIKey   string
}

// Names maps each credential to its secret-store name (prod) or environment
// variable (dev). AgentAPIKey is optional when its name is empty.
type Names struct {
	BotToken      string
	SigningSecret string
	AgentAPIKey   string
}

// ResolveCredentials fetches every named credential exactly once, before any
// traffic is accepted. A missing required credential is a startup error.
func ResolveCredentials(ctx context.Context, store *Store, names Names) (Credentials, error) {
	if store == nil {
		return Credentials{}, fmt.Errorf("secret store is required")
	}
	creds := Credentials{
		BotToken:      store.Lookup(ctx, names.BotToken),
		SigningSecret: store.Lookup(ctx, names.SigningSecret),
	}
	if creds.BotToken == "" {
		return Credentials{}, fmt.Errorf("missing slack bot token (secret %q)", names.BotToken)
	}
	if creds.SigningSecret == "" {
		return Credentials{}, fmt.Errorf("missing slack signing secret (secret %q)", names.SigningSecret)
	}
	if strings.TrimSpace(names.AgentAPIKey) != "" {
		creds.AgentAPIKey = store.Lookup(ctx, names.AgentAPIKey)
		if creds.AgentAPIKey == "" {
			return Credentials{}, fmt.Errorf("missing agent api key (secret %q)", names.AgentAPIKey)
		}
	}
	return creds, nil
}
