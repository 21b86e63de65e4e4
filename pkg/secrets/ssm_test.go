package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	values map[string]string
	err    error
	calls  []string
	input  *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.input = in
	name := aws.ToString(in.Name)
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[name]
	if !ok {
		return &ssm.GetParameterOutput{}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestClient_GetParameterDecrypts(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/callturn/openai": "sk-1"}}
	c, err := New(api)
	require.NoError(t, err)

	v, err := c.GetParameter(context.Background(), " /callturn/openai ")
	require.NoError(t, err)
	require.Equal(t, "sk-1", v)
	require.True(t, aws.ToBool(api.input.WithDecryption))
}

func TestClient_GetParameterErrors(t *testing.T) {
	c, err := New(&fakeSSM{values: map[string]string{}})
	require.NoError(t, err)

	_, err = c.GetParameter(context.Background(), "")
	require.ErrorContains(t, err, "name is required")

	_, err = c.GetParameter(context.Background(), "/missing")
	require.ErrorContains(t, err, "missing value")

	c, err = New(&fakeSSM{err: errors.New("access denied")})
	require.NoError(t, err)
	_, err = c.GetParameter(context.Background(), "/x")
	require.ErrorContains(t, err, "access denied")
}

func TestResolver_CachesAndPassesPlainValues(t *testing.T) {
	api := &fakeSSM{values: map[string]string{"/a": "secret"}}
	c, err := New(api)
	require.NoError(t, err)
	r := NewResolver(c)

	plain, err := r.Resolve(context.Background(), "literal")
	require.NoError(t, err)
	require.Equal(t, "literal", plain)

	for i := 0; i < 2; i++ {
		v, err := r.Resolve(context.Background(), "ssm:/a")
		require.NoError(t, err)
		require.Equal(t, "secret", v)
	}
	require.Equal(t, []string{"/a"}, api.calls)
}

func TestResolver_WithoutGetter(t *testing.T) {
	var r *Resolver
	v, err := r.Resolve(context.Background(), "plain")
	require.NoError(t, err)
	require.Equal(t, "plain", v)

	_, err = NewResolver(nil).Resolve(context.Background(), "ssm:/a")
	require.ErrorContains(t, err, "none is configured")
}

func TestResolver_ResolveMapNested(t *testing.T) {
	c, err := New(&fakeSSM{values: map[string]string{"/key": "k", "/token": "t"}})
	require.NoError(t, err)
	settings := map[string]any{
		"api_key": "ssm:/key",
		"model":   "gpt-4o-mini",
		"auth":    map[string]any{"token": "ssm:/token"},
		"retries": 3,
	}
	require.True(t, NeedsResolution(settings))

	require.NoError(t, NewResolver(c).ResolveMap(context.Background(), settings))
	require.Equal(t, "k", settings["api_key"])
	require.Equal(t, "t", settings["auth"].(map[string]any)["token"])
	require.Equal(t, 3, settings["retries"])
	require.False(t, NeedsResolution(settings))
}
