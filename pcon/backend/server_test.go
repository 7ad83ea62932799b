package backend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// TestMessageStreamsToCompletion tests submit, percent-decoding and the streamed result.
func TestMessageStreamsToCompletion(t *testing.T) {
	s := New()
	defer s.Close()
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": "hello%20world%20%2B1", "sender": "User"})
	require.Equal(t, http.StatusOK, w.Code)
	id, _ := decode(t, w)["result_id"].(string)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	var last map[string]any
	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/api/results/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		last = decode(t, w)
		return last["completed"] == true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "You said: hello world +1", last["message"])
	assert.Equal(t, []Message{
		{Role: "user", Content: "hello world +1"},
		{Role: "assistant", Content: "You said: hello world +1"},
	}, s.History())
}

func TestUnknownResultIs404(t *testing.T) {
	s := New()
	defer s.Close()

	w := do(t, s.Handler(), http.MethodGet, "/api/results/nope", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Result not found"}`, w.Body.String())
}

func TestMessageRequiresContent(t *testing.T) {
	s := New()
	defer s.Close()

	w := do(t, s.Handler(), http.MethodPost, "/api/messages", map[string]string{"sender": "User"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestPartialResultsVisible tests that a slow stream exposes incomplete text.
func TestPartialResultsVisible(t *testing.T) {
	s := New(
		WithChunkDelay(50*time.Millisecond),
		WithResponder(func(string, []Message, string) []string { return []string{"a", "b"} }),
	)
	defer s.Close()
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": "x"})
	id := decode(t, w)["result_id"].(string)

	res := decode(t, do(t, h, http.MethodGet, "/api/results/"+id, nil))
	assert.Equal(t, false, res["completed"])

	require.Eventually(t, func() bool {
		res := decode(t, do(t, h, http.MethodGet, "/api/results/"+id, nil))
		return res["message"] == "ab" && res["completed"] == true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseStopsStreaming(t *testing.T) {
	s := New(WithChunkDelay(time.Hour))
	h := s.Handler()
	w := do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": "slow"})
	id := decode(t, w)["result_id"].(string)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the stream")
	}

	res := decode(t, do(t, h, http.MethodGet, "/api/results/"+id, nil))
	assert.Equal(t, false, res["completed"])
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": "x"}).Code)
}

func TestClearMessagesResetsHistory(t *testing.T) {
	var seen []int
	s := New(WithResponder(func(_ string, history []Message, _ string) []string {
		seen = append(seen, len(history))
		return []string{"ok"}
	}))
	defer s.Close()
	h := s.Handler()

	do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": "one"})
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, 2*time.Second, 5*time.Millisecond)

	w := do(t, h, http.MethodPost, "/api/messages/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, s.History())

	do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": "two"})
	assert.Equal(t, []int{1, 1}, seen)
}

func TestPromptsAndActiveVersions(t *testing.T) {
	s := New()
	defer s.Close()
	h := s.Handler()

	prompts := decode(t, do(t, h, http.MethodGet, "/api/prompts", nil))["prompts"].([]any)
	assert.Len(t, prompts, 4)

	assert.JSONEq(t, `{"staging":null,"prod":null}`, do(t, h, http.MethodGet, "/api/prompts/active", nil).Body.String())

	w := do(t, h, http.MethodPost, "/api/prompts/active", map[string]string{"environment": "staging", "version": "v2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","environment":"staging","version":"v2"}`, w.Body.String())
	assert.JSONEq(t, `{"staging":"v2","prod":null}`, do(t, h, http.MethodGet, "/api/prompts/active", nil).Body.String())

	system := decode(t, do(t, h, http.MethodGet, "/api/system-message", nil))["message"]
	assert.Equal(t, defaultPrompts[1].Prompt, system)
}

func TestSetActiveRejectsUnknownEnvironment(t *testing.T) {
	s := New()
	defer s.Close()

	w := do(t, s.Handler(), http.MethodPost, "/api/prompts/active", map[string]string{"environment": "qa", "version": "v1"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Invalid environment"}`, w.Body.String())
}

func TestSystemMessage(t *testing.T) {
	s := New()
	defer s.Close()
	h := s.Handler()

	w := do(t, h, http.MethodPost, "/api/system-message", map[string]string{"prompt": "Be terse.", "role": "system"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Be terse.", decode(t, do(t, h, http.MethodGet, "/api/system-message", nil))["message"])

	w = do(t, h, http.MethodPost, "/api/system-message", map[string]string{"role": "system"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompletedResultsAreBounded(t *testing.T) {
	s := New(WithResultRetention(2))
	defer s.Close()
	h := s.Handler()

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		w := do(t, h, http.MethodPost, "/api/messages", map[string]string{"content": content})
		require.Equal(t, http.StatusOK, w.Code)
		id := decode(t, w)["result_id"].(string)
		ids = append(ids, id)
		require.Eventually(t, func() bool {
			return decode(t, do(t, h, http.MethodGet, "/api/results/"+id, nil))["completed"] == true
		}, 2*time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/results/"+ids[0], nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/results/"+ids[1], nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/results/"+ids[2], nil).Code)
}

// TestConcurrentSubmitAndClose tests that Close waits for every reply it raced with.
func TestConcurrentSubmitAndClose(t *testing.T) {
	s := New(WithChunkDelay(time.Millisecond))
	h := s.Handler()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"content":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
		}()
	}
	s.Close()
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.closed)
}
