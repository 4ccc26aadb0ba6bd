// Package aws resolves the export credential from the SSM parameter store.
package aws

import (
	"fmt"
	"strings"

	"github.com/CMSgov/bcda-export/export/models"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
)

// Makes this easier to mock and unit test
var ssmNew = ssm.New
var ssmsvcGetParameter = (*ssm.SSM).GetParameter

func GetParameter(s *session.Session, keyname string) (string, error) {
	ssmsvc := ssmNew(s)

	withDecryption := true
	result, err := ssmsvcGetParameter(ssmsvc, &ssm.GetParameterInput{
		Name:           &keyname,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("error retrieving parameter %s from parameter store: %w", keyname, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil || *result.Parameter.Value == "" {
		return "", fmt.Errorf("no parameter store value found for %s", keyname)
	}

	return *result.Parameter.Value, nil
}

// ResolveCredential returns the literal credential when one is configured and
// otherwise reads it from the named SSM parameter.
func ResolveCredential(literal, parameter string, newSession func() (*session.Session, error)) (models.Credential, error) {
	if literal = strings.TrimSpace(literal); literal != "" {
		return validated(models.Credential(literal))
	}

	if parameter == "" {
		return "", fmt.Errorf("one of BCDA_AUTH_CREDENTIAL or BCDA_AUTH_CREDENTIAL_PARAMETER must be set")
	}

	s, err := newSession()
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %w", err)
	}

	value, err := GetParameter(s, parameter)
	if err != nil {
		return "", err
	}

	return validated(models.Credential(strings.TrimSpace(value)))
}

func validated(cred models.Credential) (models.Credential, error) {
	if err := cred.Validate(); err != nil {
		return "", err
	}
	return cred, nil
}
