package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/po_layers/appctx"
	"google.golang.org/api/option"
)

var (
	pubsubMu     sync.Mutex
	pubsubClient *pubsub.Client
	knownTopics  = map[string]*pubsub.Topic{}
)

// pubsubProjectID reads PUBSUB_PROJECT_ID, then the standard GCP variables.
func pubsubProjectID() string {
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

// GetPubSubClient returns the shared client, dialing it on first use with up
// to PUBSUB_CONNECT_ATTEMPTS tries. PUBSUB_CREDENTIALS_JSON overrides ADC.
func GetPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubsubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := strings.TrimSpace(os.Getenv("PUBSUB_CREDENTIALS_JSON")); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	maxAttempts := intFromEnv("PUBSUB_CONNECT_ATTEMPTS", 5)
	for attempt := 1; ; attempt++ {
		client, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClient = client
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return client, nil
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("pubsub client (project_id=%s): %w", projectID, err)
		}
		wait := retryBackoff(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// topic returns a cached handle, creating the topic first when asked to.
func topic(ctx context.Context, client *pubsub.Client, name string, create bool) (*pubsub.Topic, error) {
	pubsubMu.Lock()
	defer pubsubMu.Unlock()
	if t, ok := knownTopics[name]; ok {
		return t, nil
	}
	t := client.Topic(name)
	if create {
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			if t, err = client.CreateTopic(ctx, name); err != nil {
				return nil, fmt.Errorf("create topic %q: %w", name, err)
			}
		}
	}
	knownTopics[name] = t
	return t, nil
}

// PublishJSON publishes obj as JSON and returns the server-assigned message
// id. The scope and correlation ids in ctx travel as message attributes.
func PublishJSON(ctx context.Context, topicName string, obj interface{}, createTopic bool) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	client, err := GetPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	t, err := topic(ctx, client, topicName, createTopic)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, &pubsub.Message{Data: data, Attributes: messageAttributes(ctx)}).Get(ctx)
}

func messageAttributes(ctx context.Context) map[string]string {
	attrs := map[string]string{}
	if v, ok := appctx.ScopeId(ctx); ok {
		attrs["scope_id"] = v
	}
	if v, ok := appctx.CorrelationId(ctx); ok {
		attrs["correlation_id"] = v
	}
	return attrs
}
