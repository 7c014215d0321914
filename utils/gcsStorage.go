package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// GetGCSClient uses GCS_CREDENTIALS_JSON when set, else application
// default credentials.
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	var opts []option.ClientOption
	if raw := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); raw != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(raw)))
	}
	return storage.NewClient(ctx, opts...)
}

// urlSigner holds either a private key or a remote signing func.
type urlSigner struct {
	accessID   string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

func (s urlSigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = s.accessID
	opts.PrivateKey = s.privateKey
	opts.SignBytes = s.signBytes
}

// SignDownloadURL returns a V4 signed GET url for bucket/object and the
// instant it stops working. Keys come from GCS_CREDENTIALS_JSON or
// GCS_SIGNER_EMAIL/GCS_SIGNER_PRIVATE_KEY; without a key the runtime
// service account signs through the IAM credentials API.
func SignDownloadURL(ctx context.Context, bucket, object string, expires time.Duration) (string, time.Time, error) {
	signer, found, err := loadSignerFromEnv()
	if err != nil {
		return "", time.Time{}, err
	}
	if !found {
		if signer, err = iamSigner(ctx); err != nil {
			return "", time.Time{}, err
		}
	}

	expiresAt := time.Now().Add(expires)
	opts := &storage.SignedURLOptions{Scheme: storage.SigningSchemeV4, Method: "GET", Expires: expiresAt}
	signer.apply(opts)
	link, err := storage.SignedURL(bucket, object, opts)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s/%s: %w", bucket, object, err)
	}
	return link, expiresAt, nil
}

func loadSignerFromEnv() (urlSigner, bool, error) {
	if raw := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); raw != "" {
		var key struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return urlSigner{}, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return urlSigner{}, false, errors.New("GCS_CREDENTIALS_JSON needs client_email and private_key")
		}
		return urlSigner{accessID: key.ClientEmail, privateKey: normalizePrivateKey(key.PrivateKey)}, true, nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	pem := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || pem == "" {
		return urlSigner{}, false, nil
	}
	return urlSigner{accessID: email, privateKey: normalizePrivateKey(pem)}, true, nil
}

// env files usually carry the key with literal \n
func normalizePrivateKey(key string) []byte {
	return []byte(strings.ReplaceAll(key, `\n`, "\n"))
}

func iamSigner(ctx context.Context) (urlSigner, error) {
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if email == "" && metadata.OnGCE() {
		var err error
		if email, err = metadata.Email("default"); err != nil {
			return urlSigner{}, fmt.Errorf("runtime service account: %w", err)
		}
	}
	if email == "" {
		return urlSigner{}, errors.New("no signing key and GCS_SIGNER_EMAIL is empty")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return urlSigner{}, fmt.Errorf("default credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return urlSigner{}, fmt.Errorf("iamcredentials: %w", err)
	}

	name := "projects/-/serviceAccounts/" + email
	sign := func(payload []byte) ([]byte, error) {
		req := &iamcredentials.SignBlobRequest{Payload: base64.StdEncoding.EncodeToString(payload)}
		resp, err := svc.Projects.ServiceAccounts.SignBlob(name, req).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(resp.SignedBlob)
	}
	return urlSigner{accessID: email, signBytes: sign}, nil
}
