package handlers

import (
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/eldtechnologies/chatrelay/internal/api/middleware"
)

const snippetRadius = 60

// SearchResult represents a single search result.
type SearchResult struct {
	MessageID string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	ChatTitle string    `json:"chat_title"`
	Role      string    `json:"role"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResponse represents the search response.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// Search handles the search endpoint over the caller's own messages.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		h.Error(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	if n := utf8.RuneCountInString(query); n < 2 || n > 200 {
		h.Error(w, http.StatusBadRequest, "query must be 2 to 200 characters")
		return
	}

	limit, _ := pagination(r, 20, 100)

	hits, err := h.store.SearchMessages(r.Context(), userID, query, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "search failed")
		return
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{
			MessageID: hit.ID,
			ChatID:    hit.ChatID.String(),
			ChatTitle: hit.ChatTitle,
			Role:      string(hit.Role),
			Snippet:   snippet(hit.Content, query),
			CreatedAt: hit.CreatedAt,
		})
	}

	h.JSON(w, http.StatusOK, SearchResponse{
		Query:   query,
		Results: results,
		Total:   len(results),
	})
}

// snippet returns the text around the first case-insensitive match of query.
func snippet(content, query string) string {
	runes := []rune(content)
	lower := []rune(strings.ToLower(content))
	needle := []rune(strings.ToLower(query))

	at := indexRunes(lower, needle)
	if at < 0 || len(lower) != len(runes) {
		at = 0
	}

	start := at - snippetRadius
	if start < 0 {
		start = 0
	}
	end := at + len(needle) + snippetRadius
	if end > len(runes) {
		end = len(runes)
	}

	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
