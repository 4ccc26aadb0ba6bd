package aws

import (
	"errors"
	"testing"

	"github.com/CMSgov/bcda-export/export/models"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockGetParameter(t *testing.T, values map[string]string) {
	origNew, origGet := ssmNew, ssmsvcGetParameter
	t.Cleanup(func() { ssmNew, ssmsvcGetParameter = origNew, origGet })

	ssmNew = func(p client.ConfigProvider, cfgs ...*aws.Config) *ssm.SSM { return &ssm.SSM{} }
	ssmsvcGetParameter = func(_ *ssm.SSM, input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		assert.True(t, *input.WithDecryption)
		value, ok := values[*input.Name]
		if !ok {
			return nil, errors.New("ParameterNotFound")
		}
		return &ssm.GetParameterOutput{Parameter: &ssm.Parameter{Name: input.Name, Value: aws.String(value)}}, nil
	}
}

func testSession() (*session.Session, error) {
	return session.NewSession(&aws.Config{Region: aws.String(defaultRegion)})
}

func TestGetParameter(t *testing.T) {
	mockGetParameter(t, map[string]string{"key1": "val1", "empty": ""})

	tests := []struct {
		desc          string
		keyname       string
		expectedValue string
		expectedErr   string
	}{
		{"Happy path", "key1", "val1", ""},
		{"Missing parameter", "asdf", "", "error retrieving parameter asdf from parameter store"},
		{"Empty parameter", "empty", "", "no parameter store value found for empty"},
	}

	s, err := testSession()
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			value, err := GetParameter(s, tt.keyname)
			assert.Equal(t, tt.expectedValue, value)
			if tt.expectedErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Contains(t, err.Error(), tt.expectedErr)
			}
		})
	}
}

func TestResolveCredential(t *testing.T) {
	mockGetParameter(t, map[string]string{"/bcda/export/credential": "client:secret\n", "/bad": "nosecret"})

	noSession := func() (*session.Session, error) {
		t.Fatal("session must not be created for a literal credential")
		return nil, nil
	}

	cred, err := ResolveCredential(" id:secret ", "/bcda/export/credential", noSession)
	assert.NoError(t, err)
	assert.Equal(t, models.Credential("id:secret"), cred)

	cred, err = ResolveCredential("", "/bcda/export/credential", testSession)
	assert.NoError(t, err)
	assert.Equal(t, models.Credential("client:secret"), cred)

	_, err = ResolveCredential("", "/bad", testSession)
	assert.ErrorIs(t, err, models.ErrInvalidCredential)

	_, err = ResolveCredential("", "", noSession)
	assert.EqualError(t, err, "one of BCDA_AUTH_CREDENTIAL or BCDA_AUTH_CREDENTIAL_PARAMETER must be set")

	_, err = ResolveCredential("", "/missing", func() (*session.Session, error) { return nil, errors.New("no region") })
	assert.EqualError(t, err, "failed to create AWS session: no region")
}

func TestNewSession(t *testing.T) {
	orig := newSession
	t.Cleanup(func() { newSession = orig })

	var regions []string
	newSession = func(cfgs ...*aws.Config) (*session.Session, error) {
		regions = append(regions, *cfgs[0].Region)
		return orig(cfgs...)
	}

	s, err := NewSession("", "")
	require.NoError(t, err)
	assert.Equal(t, defaultRegion, *s.Config.Region)

	_, err = NewSession("us-west-2", "arn:aws:iam::123456789012:role/export")
	require.NoError(t, err)
	assert.Equal(t, []string{defaultRegion, "us-west-2", "us-west-2"}, regions)
}
