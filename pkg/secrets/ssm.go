// Package secrets resolves "ssm:/path" config values through AWS SSM
// Parameter Store.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Prefix marks a config value that names a parameter instead of holding it.
const Prefix = "ssm:"

// ssmAPI is the minimal SSM interface required by Client.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter fetches one decrypted parameter by name.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("secrets: api must not be nil")
	}
	return &Client{api: api}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: name is required")
	}
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// IsReference reports whether v should be resolved.
func IsReference(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), Prefix)
}

// Resolver replaces references with parameter values. Each name is fetched
// once per Resolver.
type Resolver struct {
	getter Getter

	mu    sync.Mutex
	cache map[string]string
}

func NewResolver(getter Getter) *Resolver {
	return &Resolver{getter: getter, cache: map[string]string{}}
}

// Resolve returns v unchanged unless it is a reference.
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	if !IsReference(v) {
		return v, nil
	}
	if r == nil || r.getter == nil {
		return "", fmt.Errorf("secrets: %q needs a parameter store but none is configured", v)
	}
	name := strings.TrimPrefix(strings.TrimSpace(v), Prefix)

	r.mu.Lock()
	cached, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	value, err := r.getter.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[name] = value
	r.mu.Unlock()
	return value, nil
}

// ResolveMap resolves every string value of m in place, descending into
// nested maps.
func (r *Resolver) ResolveMap(ctx context.Context, m map[string]any) error {
	for k, v := range m {
		switch typed := v.(type) {
		case string:
			resolved, err := r.Resolve(ctx, typed)
			if err != nil {
				return fmt.Errorf("secrets: key %q: %w", k, err)
			}
			m[k] = resolved
		case map[string]any:
			if err := r.ResolveMap(ctx, typed); err != nil {
				return err
			}
		}
	}
	return nil
}

// NeedsResolution reports whether any string in m is a reference.
func NeedsResolution(m map[string]any) bool {
	for _, v := range m {
		switch typed := v.(type) {
		case string:
			if IsReference(typed) {
				return true
			}
		case map[string]any:
			if NeedsResolution(typed) {
				return true
			}
		}
	}
	return false
}
