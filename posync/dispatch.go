package posync

import (
	"context"
	"sync"

	"github.com/mmdatafocus/po_layers/config"
	"github.com/mmdatafocus/po_layers/utils"
	"github.com/sirupsen/logrus"
)

// Dispatcher hands a queued run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg JobMessage) error
}

// PubSubDispatcher publishes runs to a topic; a push subscription delivers
// them back to PubSubPushHandler.
type PubSubDispatcher struct {
	topic       string
	createTopic bool
}

func NewPubSubDispatcher(topic string, createTopic bool) *PubSubDispatcher {
	return &PubSubDispatcher{topic: topic, createTopic: createTopic}
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, msg JobMessage) error {
	_, err := config.PublishJSON(ctx, d.topic, msg, d.createTopic)
	return err
}

// LocalDispatcher runs each job on its own goroutine in this process.
type LocalDispatcher struct {
	process func(context.Context, JobMessage) error
	logger  *logrus.Logger
	wg      sync.WaitGroup
}

func NewLocalDispatcher(process func(context.Context, JobMessage) error, logger *logrus.Logger) *LocalDispatcher {
	return &LocalDispatcher{process: process, logger: logger}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, msg JobMessage) error {
	// the request context ends with the response; keep only its correlation id
	bg := context.Background()
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		bg = utils.SetCorrelationIdInContext(bg, correlationId)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.process(bg, msg); err != nil {
			config.LogError(d.logger, "posync", "LocalDispatcher.Dispatch", "Job failed", msg, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job, including jobs they chain, is done.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
