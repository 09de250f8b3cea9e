package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eldtechnologies/chatrelay/internal/llm"
)

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte)}
}

func (f *fakeBlobs) Put(ctx context.Context, key, contentType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.example/" + key + "?sig=1", nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func uploadRequest(t *testing.T, user, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(testUserHeader, user)
	return req
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUploadAttachmentAndSendImage(t *testing.T) {
	var last llm.ChatRequest
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&last)
		streamReply("a cat")(w, r)
	}, "server-key")
	blobs := newFakeBlobs()
	env.handler.blobs = blobs

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, uploadRequest(t, "alice", "../../cat.png", pngImage(t, 640, 10)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var att AttachmentResponse
	json.NewDecoder(rec.Body).Decode(&att)
	if att.Filename != "cat.png" || att.ContentType != "image/png" || !att.HasThumbnail {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	if len(blobs.objects) != 2 {
		t.Fatalf("expected original and thumbnail stored, got %d objects", len(blobs.objects))
	}

	body := `{"message":{"content":"what is this?","attachments":["` + att.ID.String() + `"]}}`
	if rec := env.do(t, http.MethodPost, "/api/chat", "bob", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("another user's attachment must be rejected, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/chat", "alice", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	chatID := metaChatID(t, rec.Body.String())

	user := last.Messages[len(last.Messages)-1]
	raw, _ := json.Marshal(user.Content)
	if !strings.Contains(string(raw), `"type":"image_url"`) || !strings.Contains(string(raw), "https://blobs.example/attachments/alice/") {
		t.Fatalf("expected presigned image part, got %s", raw)
	}

	if rec := env.do(t, http.MethodPost, "/api/chat", "alice", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("a linked attachment cannot be reused, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/api/chats/"+chatID, "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(blobs.objects) != 0 || len(blobs.deleted) != 2 {
		t.Fatalf("expected blobs removed with the chat, left %d", len(blobs.objects))
	}
}

func TestUploadAttachmentRejectsUnknownTypes(t *testing.T) {
	env := newTestEnv(t, streamReply("x"), "server-key")
	env.handler.blobs = newFakeBlobs()

	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, uploadRequest(t, "alice", "x.bin", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}))
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}

	env.handler.opts.AttachmentMaxBytes = 16
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, uploadRequest(t, "alice", "big.txt", []byte(strings.Repeat("a", 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
