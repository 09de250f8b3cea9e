package store

import (
	"testing"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

func TestLikePattern(t *testing.T) {
	cases := map[string]string{
		"hello":  "%hello%",
		"100%":   `%100\%%`,
		"a_b":    `%a\_b%`,
		`c:\tmp`: `%c:\\tmp%`,
	}
	for in, want := range cases {
		if got := likePattern(in); got != want {
			t.Errorf("likePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReverse(t *testing.T) {
	msgs := []models.Message{{ID: "3"}, {ID: "2"}, {ID: "1"}}
	reverse(msgs)
	if msgs[0].ID != "1" || msgs[2].ID != "3" {
		t.Fatalf("unexpected order: %v %v %v", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}
