package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// VaultPasswordKey is the secret that unlocks the local vault, in every provider.
// The env provider reads it as POSDESK_VAULT_PASSWORD.
const VaultPasswordKey = "vault_password"

const (
	defaultVaultKVPath = "secret/posdesk"
	defaultAWSSecretID = "posdesk/secrets"
)

// SecretManager retrieves secrets that must not live in config files
type SecretManager interface {
	GetSecret(key string) (string, error)
}

// VaultPassword asks sm for the local vault password
func VaultPassword(sm SecretManager) (string, error) {
	password, err := sm.GetSecret(VaultPasswordKey)
	if err != nil {
		return "", fmt.Errorf("vault password unavailable: %w", err)
	}
	return password, nil
}

// EnvSecretManager reads POSDESK_<KEY> environment variables (default)
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "POSDESK_" + strings.ToUpper(key)
	if value := os.Getenv(envKey); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("environment variable %s not set", envKey)
}

// VaultSecretManager reads one HashiCorp Vault secret whose fields are the
// individual secrets. Both KV v1 and KV v2 layouts are understood.
type VaultSecretManager struct {
	path   string
	client *api.Client
}

func NewVaultSecretManager(config *Config) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: config.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	// api.NewClient already picked up VAULT_TOKEN
	if config.Secrets.Vault.Token != "" {
		client.SetToken(config.Secrets.Vault.Token)
	}

	path := config.Secrets.Vault.Path
	if path == "" {
		path = defaultVaultKVPath
	}
	return &VaultSecretManager{path: path, client: client}, nil
}

func (v *VaultSecretManager) GetSecret(key string) (string, error) {
	secret, err := v.client.Logical().Read(v.path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no Vault secret at %s", v.path)
	}

	fields := secret.Data
	if nested, ok := fields["data"].(map[string]any); ok {
		fields = nested
	}
	return field(fields, key, "Vault secret "+v.path)
}

// AWSSecretManager reads one AWS Secrets Manager secret holding a JSON object
type AWSSecretManager struct {
	secretID string
	client   *secretsmanager.SecretsManager
}

func NewAWSSecretManager(config *Config) (*AWSSecretManager, error) {
	awsConfig := &aws.Config{Region: aws.String(config.Secrets.AWS.Region)}
	if config.Secrets.AWS.AccessKey != "" && config.Secrets.AWS.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.Secrets.AWS.AccessKey, config.Secrets.AWS.SecretKey, "")
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	secretID := config.Secrets.AWS.SecretID
	if secretID == "" {
		secretID = defaultAWSSecretID
	}
	return &AWSSecretManager{secretID: secretID, client: secretsmanager.New(sess)}, nil
}

func (a *AWSSecretManager) GetSecret(key string) (string, error) {
	result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("AWS secret %s has no string value", a.secretID)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(*result.SecretString), &fields); err != nil {
		return "", fmt.Errorf("AWS secret %s is not a JSON object: %w", a.secretID, err)
	}
	return field(fields, key, "AWS secret "+a.secretID)
}

// field extracts a non-empty string field from a provider's secret object
func field(fields map[string]any, key, source string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("key %s not found in %s", key, source)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s: value for key %s is not a string", source, key)
	}
	if value == "" {
		return "", fmt.Errorf("%s: value for key %s is empty", source, key)
	}
	return value, nil
}

// NewSecretManager creates the secret manager selected by secrets.provider
func NewSecretManager(config *Config) (SecretManager, error) {
	switch config.Secrets.Provider {
	case "", "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(config)
	case "aws":
		return NewAWSSecretManager(config)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Secrets.Provider)
	}
}
