// Package secrets resolves credential references stored in AWS SSM
// Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"relaybot/internal/config"
)

// RefPrefix marks a config value as an SSM parameter name, e.g.
// "ssm:/relaybot/prod/slack-bot-token".
const RefPrefix = "ssm:"

// ssmAPI is the minimal AWS SSM interface required by ParamStore.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads decrypted parameters.
type ParamStore struct {
	api ssmAPI
}

func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}

	withDecryption := true
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// IsRef reports whether v is an SSM reference.
func IsRef(v string) bool {
	return strings.HasPrefix(v, RefPrefix)
}

// HasRefs reports whether any credential in cfg is an SSM reference.
func HasRefs(cfg *config.Config) bool {
	for _, f := range credentialFields(cfg) {
		if IsRef(*f.value) {
			return true
		}
	}
	return false
}

// Resolve replaces every SSM reference among the credentials in cfg with the
// parameter's value. Plain values are left untouched.
func (p *ParamStore) Resolve(ctx context.Context, cfg *config.Config) error {
	for _, f := range credentialFields(cfg) {
		if !IsRef(*f.value) {
			continue
		}
		v, err := p.GetParameter(ctx, strings.TrimPrefix(*f.value, RefPrefix))
		if err != nil {
			return fmt.Errorf("%s: %w", f.path, err)
		}
		*f.value = v
	}
	return nil
}

type credentialField struct {
	path  string
	value *string
}

func credentialFields(cfg *config.Config) []credentialField {
	return []credentialField{
		{"slack.botToken", &cfg.Slack.BotToken},
		{"slack.appToken", &cfg.Slack.AppToken},
		{"nlu.accessToken", &cfg.NLU.AccessToken},
		{"analytics.apiKey", &cfg.Analytics.APIKey},
	}
}
