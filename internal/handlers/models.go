package handlers

import (
	"errors"
	"net/http"

	"github.com/eldtechnologies/chatrelay/internal/llm"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// ModelsResponse represents the models list response.
type ModelsResponse struct {
	Models []models.LLMModel `json:"models"`
	Total  int               `json:"total"`
}

// ListModels returns the models available to the caller's credential.
// The X-Cache header reports which cache layer answered.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	credential, err := h.llm.Credential(r.Header.Get(ProviderKeyHeader))
	if err != nil {
		h.Error(w, http.StatusUnauthorized, "no provider credential available")
		return
	}

	list, layer, err := h.models.Get(r.Context(), credential)
	if err != nil {
		h.logger.Warn().Err(err).Msg("model listing failed")

		var upErr *llm.UpstreamError
		if errors.As(err, &upErr) && upErr.Status == http.StatusUnauthorized {
			h.Error(w, http.StatusUnauthorized, "provider rejected credential")
			return
		}
		h.Error(w, http.StatusBadGateway, "failed to fetch models")
		return
	}
	if list == nil {
		list = []models.LLMModel{}
	}

	w.Header().Set("X-Cache", string(layer))
	h.JSON(w, http.StatusOK, ModelsResponse{Models: list, Total: len(list)})
}
