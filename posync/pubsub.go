package posync

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/po_layers/config"
	"github.com/sirupsen/logrus"
)

// PubSubPushHandler executes runs delivered by a push subscription. It
// always acknowledges: a failed run is recorded on the run itself and is
// retried through the jobs API, not by redelivery.
func (s *Service) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBool("ENABLE_PO_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			s.logger.WithFields(logrus.Fields{"body_size": len(body)}).Warn("invalid pubsub envelope")
			c.Status(http.StatusNoContent)
			return
		}

		var msg JobMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil || msg.RunId == 0 || msg.ScopeId == "" {
			s.logger.WithFields(logrus.Fields{"message_id": envelope.Message.ID}).Warn("invalid job message")
			c.Status(http.StatusNoContent)
			return
		}

		if err := s.Process(c.Request.Context(), msg); err != nil {
			config.LogError(s.logger, "posync", "PubSubPushHandler", "Error processing pushed job", logrus.Fields{
				"message_id": envelope.Message.ID,
				"run_id":     msg.RunId,
				"scope_id":   msg.ScopeId,
			}, err)
		}
		c.Status(http.StatusNoContent)
	}
}
