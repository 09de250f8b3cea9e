package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
)

// UsageResponse represents the response from the usage endpoint.
type UsageResponse struct {
	Chats            int64  `json:"chats"`
	Messages         int64  `json:"messages"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	LastActivity     string `json:"last_activity"`
}

// Usage returns the caller's activity totals.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	summary, err := h.store.UsageSummary(r.Context(), userID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	lastActivity := "no activity yet"
	if summary.LastActivity != nil {
		lastActivity = formatTimeAgo(*summary.LastActivity)
	}

	h.JSON(w, http.StatusOK, UsageResponse{
		Chats:            summary.Chats,
		Messages:         summary.Messages,
		PromptTokens:     summary.PromptTokens,
		CompletionTokens: summary.CompletionTokens,
		TotalTokens:      summary.PromptTokens + summary.CompletionTokens,
		LastActivity:     lastActivity,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
