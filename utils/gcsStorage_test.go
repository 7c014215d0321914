package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSignerFromEnv(t *testing.T) {
	t.Setenv("GCS_CREDENTIALS_JSON", "")
	t.Setenv("GCS_SIGNER_EMAIL", "")
	t.Setenv("GCS_SIGNER_PRIVATE_KEY", "")
	_, found, err := loadSignerFromEnv()
	require.NoError(t, err)
	assert.False(t, found)

	t.Setenv("GCS_CREDENTIALS_JSON", `{"client_email":"svc@p.iam.gserviceaccount.com","private_key":"-----BEGIN\\nKEY"}`)
	signer, found, err := loadSignerFromEnv()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "svc@p.iam.gserviceaccount.com", signer.accessID)
	assert.Equal(t, "-----BEGIN\nKEY", string(signer.privateKey))
	assert.Nil(t, signer.signBytes)

	t.Setenv("GCS_CREDENTIALS_JSON", `{"client_email":""}`)
	_, _, err = loadSignerFromEnv()
	assert.Error(t, err)

	t.Setenv("GCS_CREDENTIALS_JSON", "")
	t.Setenv("GCS_SIGNER_EMAIL", "signer@p.iam.gserviceaccount.com")
	t.Setenv("GCS_SIGNER_PRIVATE_KEY", "k")
	signer, found, err = loadSignerFromEnv()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "signer@p.iam.gserviceaccount.com", signer.accessID)
}
