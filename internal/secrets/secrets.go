// Package secrets implements ports.SecretBackend (spec.md §4.3 step 4,
// §6's secrets.backend config key): resolving global- and job-scoped
// secret values, merged job-wins, for hydration into a build's execution
// context. local backs onto the CHENGIS_SECRET_-prefixed process
// environment for single-node setups; aws-sm backs onto AWS Secrets
// Manager via config.LoadDefaultConfig feeding a secretsmanager
// NewFromConfig client.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/ports"
)

const envPrefix = "CHENGIS_SECRET_"

// LocalBackend resolves secrets from the process environment, for
// single-developer setups with no external secret store (secrets.backend =
// "local"). Keys are read as CHENGIS_SECRET_<JOB>_<NAME> (the job id
// upper-cased, with every character outside [A-Za-z0-9] replaced by an
// underscore) and CHENGIS_SECRET_GLOBAL_<NAME>; job-scoped entries win over
// global ones, matching spec.md §4.3 step 4's merge rule.
type LocalBackend struct{}

// NewLocalBackend constructs a LocalBackend.
func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

// Resolve implements ports.SecretBackend.
func (b *LocalBackend) Resolve(_ context.Context, orgID, jobID string) (map[string]string, error) {
	out := make(map[string]string)
	globalPrefix := envPrefix + "GLOBAL_"
	jobPrefix := envPrefix + strings.ToUpper(sanitize(jobID)) + "_"
	jobScoped := make(map[string]string)

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(k, globalPrefix):
			out[strings.TrimPrefix(k, globalPrefix)] = v
		case jobID != "" && strings.HasPrefix(k, jobPrefix):
			jobScoped[strings.TrimPrefix(k, jobPrefix)] = v
		}
	}
	for k, v := range jobScoped {
		out[k] = v
	}
	return out, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}

// AWSSecretsManagerBackend resolves secrets from two named AWS Secrets
// Manager secrets: one shared across the org (GlobalSecretName) and one
// job-scoped (a static prefix plus the job id), each expected to hold a
// flat JSON object of key/value pairs. Job-scoped keys win over global ones
// on collision, per spec.md §4.3 step 4.
type AWSSecretsManagerBackend struct {
	client           *secretsmanager.Client
	globalSecretName string
	jobSecretPrefix  string
}

// NewAWSSecretsManagerBackend loads the default AWS config (region,
// credentials chain) and constructs a backend over it.
func NewAWSSecretsManagerBackend(ctx context.Context, globalSecretName, jobSecretPrefix string) (*AWSSecretsManagerBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "load aws config for secrets manager", err)
	}
	return &AWSSecretsManagerBackend{
		client:           secretsmanager.NewFromConfig(cfg),
		globalSecretName: globalSecretName,
		jobSecretPrefix:  jobSecretPrefix,
	}, nil
}

// Resolve implements ports.SecretBackend.
func (b *AWSSecretsManagerBackend) Resolve(ctx context.Context, orgID, jobID string) (map[string]string, error) {
	out := make(map[string]string)

	if b.globalSecretName != "" {
		global, err := b.fetch(ctx, b.globalSecretName)
		if err != nil {
			return nil, err
		}
		for k, v := range global {
			out[k] = v
		}
	}

	if jobID != "" && b.jobSecretPrefix != "" {
		job, err := b.fetch(ctx, b.jobSecretPrefix+jobID)
		if err != nil {
			// A job with no secrets of its own is the common case; only
			// propagate unexpected errors, not "secret not found".
			if cherrors.CodeOf(err) != cherrors.CodeNotFound {
				return nil, err
			}
		}
		for k, v := range job {
			out[k] = v
		}
	}
	return out, nil
}

func (b *AWSSecretsManagerBackend) fetch(ctx context.Context, name string) (map[string]string, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		code := cherrors.CodeInternal
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			code = cherrors.CodeNotFound
		}
		return nil, cherrors.Wrap(code, "get secret value", err).WithContext(map[string]interface{}{"secret": name})
	}
	if out.SecretString == nil {
		return nil, nil
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(*out.SecretString), &values); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "decode secret value json", err).WithContext(map[string]interface{}{"secret": name})
	}
	return values, nil
}

var (
	_ ports.SecretBackend = (*LocalBackend)(nil)
	_ ports.SecretBackend = (*AWSSecretsManagerBackend)(nil)
)
