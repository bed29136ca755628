package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"DowTracker/internal/model"
)

func newTestNotifier(t *testing.T, h http.HandlerFunc) *TelegramNotifier {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	n := NewTelegramNotifier("TOKEN", "42", "", nil)
	n.BaseURL = srv.URL
	n.RetryBase = time.Millisecond
	return n
}

func TestSend_PostsHTMLMessage(t *testing.T) {
	var got map[string]string
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, n.Send(context.Background(), "<b>hi</b>"))
	require.Equal(t, "42", got["chat_id"])
	require.Equal(t, "HTML", got["parse_mode"])
	require.Equal(t, "<b>hi</b>", got["text"])
}

func TestAlert_RetriesUntilDelivered(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, n.Alert(context.Background(), "final export failed"))
	require.Equal(t, 3, calls)
}

func TestSendWithRetry_Exhausted(t *testing.T) {
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	err := n.SendWithRetry(context.Background(), "x", 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "all 2 retries exhausted")
	require.Contains(t, err.Error(), "boom")
}

func TestPoll_DispatchesOwnChatOnly(t *testing.T) {
	var mu sync.Mutex
	var replies []string
	n := newTestNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			require.Equal(t, "7", r.URL.Query().Get("offset"))
			_, _ = w.Write([]byte(`{"ok":true,"result":[
				{"update_id":7,"message":{"text":" /status ","chat":{"id":42}}},
				{"update_id":8,"message":{"text":"/refresh","chat":{"id":99}}},
				{"update_id":9}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var m map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
			mu.Lock()
			replies = append(replies, m["text"])
			mu.Unlock()
		}
	})

	var seen []string
	next, err := n.poll(context.Background(), http.DefaultClient, 7, 0, func(cmd string) string {
		seen = append(seen, cmd)
		return "ok:" + cmd
	})
	require.NoError(t, err)
	require.Equal(t, 10, next)
	require.Equal(t, []string{"/status"}, seen)
	require.Equal(t, []string{"ok:/status"}, replies)
}

func TestFormatters(t *testing.T) {
	day := model.Day("2026-10-15")

	msg := FormatFinalFailure(day, 4, errors.New("write <xlsx>: disk full"))
	require.Contains(t, msg, "2026-10-15")
	require.Contains(t, msg, "&lt;xlsx&gt;")

	msg = FormatCapture(day, "10:00 AM", 29, 30, []string{"NVDA"})
	require.Contains(t, msg, "29/30")
	require.Contains(t, msg, "NVDA")

	require.Contains(t, FormatHelp(), "/status")
}
