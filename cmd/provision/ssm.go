package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmOperationTimeout bounds each SSM call.
const ssmOperationTimeout = 15 * time.Second

// SSMClient is the subset of the SSM API the tool uses.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMManager writes marketsync parameters under /{env}/marketsync/.
type SSMManager struct {
	client SSMClient
	env    string
	logger *slog.Logger
}

func NewSSMManager(client SSMClient, env string, logger *slog.Logger) *SSMManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSMManager{client: client, env: env, logger: logger}
}

// Path returns the absolute parameter path for key, e.g.
// "/dev/marketsync/server/admin_api_key".
func (m *SSMManager) Path(key string) string {
	return fmt.Sprintf("/%s/marketsync/%s", m.env, key)
}

// Exists probes path without decrypting it, so kms:Decrypt is not needed.
func (m *SSMManager) Exists(ctx context.Context, path string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// PutSecret writes a SecureString. The value is never logged.
func (m *SSMManager) PutSecret(ctx context.Context, path, value string, overwrite bool) error {
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}

	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.PutParameter(opCtx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var alreadyExists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &alreadyExists) {
			return fmt.Errorf("SSM parameter %q already exists: %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}

	m.logger.Info("SSM parameter written",
		"path", path,
		"value_length", len(value),
	)
	return nil
}
