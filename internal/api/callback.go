package api

import (
	"errors"
	"io"
	"net/http"

	"payflow/internal/engine"
	"payflow/internal/response"
	"payflow/pkg/logging"

	"github.com/gin-gonic/gin"
)

// HandleProviderCallback receives a provider-initiated notification and
// routes it through the engine's callback dispatcher. The response code
// tells the provider whether to retry: 2xx and 4xx stop redelivery, 5xx
// invites another attempt.
func HandleProviderCallback(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to read callback body")
		return
	}
	if len(payload) == 0 {
		response.ErrorJSON(c, http.StatusBadRequest, "Empty callback body")
		return
	}

	// Byte-identical redeliveries inside the dedup window are acknowledged
	// without a dispatch; the provider wanted an ack, not a re-apply.
	if replayGuard != nil && replayGuard.IsReplay(c.Request.Context(), provider, payload) {
		response.SuccessJSON(c, gin.H{"replay": true})
		return
	}

	if err := paymentsEngine.HandleCallback(c.Request.Context(), provider, payload); err != nil {
		logging.Errorf("Callback for %s rejected: %v", provider, err)

		// Rejected terminal re-transitions and unknown event types are
		// non-retryable: answer 4xx so the provider stops redelivering.
		if errors.Is(err, engine.ErrCallbackRejected) || errors.Is(err, engine.ErrUnrecognizedEvent) {
			response.ErrorJSON(c, http.StatusConflict, err.Error())
			return
		}
		if errors.Is(err, engine.ErrNotFound) {
			response.ErrorJSON(c, http.StatusNotFound, err.Error())
			return
		}
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}

	response.SuccessJSON(c, gin.H{"processed": true})
}
