package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ErrMissingSecret is returned when a required gateway secret is empty.
var ErrMissingSecret = errors.New("missing gateway secret")

// GatewaySecrets holds the Razorpay key secret (checkout signatures) and the
// webhook secret (delivery signatures).
type GatewaySecrets struct {
	KeySecret     string `json:"key_secret"`
	WebhookSecret string `json:"webhook_secret"`
}

func (s GatewaySecrets) validate() error {
	if s.KeySecret == "" || s.WebhookSecret == "" {
		return fmt.Errorf("%w: key_secret and webhook_secret are required", ErrMissingSecret)
	}
	return nil
}

// Provider resolves gateway secrets at startup
type Provider interface {
	GatewaySecrets(ctx context.Context) (GatewaySecrets, error)
}

// EnvProvider serves secrets already loaded from the environment
type EnvProvider struct {
	secrets GatewaySecrets
}

// NewEnvProvider creates a provider for statically configured secrets
func NewEnvProvider(keySecret, webhookSecret string) *EnvProvider {
	return &EnvProvider{secrets: GatewaySecrets{KeySecret: keySecret, WebhookSecret: webhookSecret}}
}

func (p *EnvProvider) GatewaySecrets(ctx context.Context) (GatewaySecrets, error) {
	if err := p.secrets.validate(); err != nil {
		return GatewaySecrets{}, err
	}
	return p.secrets, nil
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads a JSON secret {"key_secret": ..., "webhook_secret": ...}
// from Secrets Manager and caches it for the life of the process.
type AWSProvider struct {
	client secretsAPI
	name   string

	mu     sync.RWMutex
	cached *GatewaySecrets
}

// NewAWSProvider creates a Secrets Manager backed provider using the default
// credential chain.
func NewAWSProvider(ctx context.Context, region, secretName string) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &AWSProvider{client: secretsmanager.NewFromConfig(cfg), name: secretName}, nil
}

func (p *AWSProvider) GatewaySecrets(ctx context.Context) (GatewaySecrets, error) {
	p.mu.RLock()
	if p.cached != nil {
		defer p.mu.RUnlock()
		return *p.cached, nil
	}
	p.mu.RUnlock()

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: sdkaws.String(p.name)})
	if err != nil {
		return GatewaySecrets{}, fmt.Errorf("failed to get secret %s: %w", p.name, err)
	}
	if out.SecretString == nil {
		return GatewaySecrets{}, fmt.Errorf("secret %s has no string value", p.name)
	}

	var s GatewaySecrets
	if err := json.Unmarshal([]byte(*out.SecretString), &s); err != nil {
		return GatewaySecrets{}, fmt.Errorf("failed to decode secret %s: %w", p.name, err)
	}
	if err := s.validate(); err != nil {
		return GatewaySecrets{}, err
	}

	p.mu.Lock()
	p.cached = &s
	p.mu.Unlock()
	return s, nil
}
