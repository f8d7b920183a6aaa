package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/fanout"
	"github.com/atlasdesk/mailroom/internal/prefs"
	"github.com/atlasdesk/mailroom/internal/repository"
)

type fakeSender struct {
	sendFn func(ctx context.Context, req fanout.Request, onProgress func(fanout.Progress)) (*fanout.Result, error)
}

func (f *fakeSender) Send(ctx context.Context, req fanout.Request, onProgress func(fanout.Progress)) (*fanout.Result, error) {
	return f.sendFn(ctx, req, onProgress)
}

type fakeMessageReader struct {
	getByIDFn func(ctx context.Context, id string) (*domain.Message, error)
	listFn    func(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error)
}

func (f *fakeMessageReader) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	return f.getByIDFn(ctx, id)
}

func (f *fakeMessageReader) List(ctx context.Context, params repository.ListParams) ([]domain.Message, int64, error) {
	return f.listFn(ctx, params)
}

func okSender(result *fanout.Result) *fakeSender {
	return &fakeSender{
		sendFn: func(context.Context, fanout.Request, func(fanout.Progress)) (*fanout.Result, error) {
			return result, nil
		},
	}
}

func newTestApp(t *testing.T, sender Sender, messages MessageReader, preferences prefs.Store) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
	if err := RegisterMessageRoutes(app, sender, messages, preferences); err != nil {
		t.Fatalf("RegisterMessageRoutes: %v", err)
	}
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp.Body.Close()
	return out
}

func TestCreateMessageQueues(t *testing.T) {
	t.Parallel()

	var gotReq fanout.Request
	sender := &fakeSender{
		sendFn: func(_ context.Context, req fanout.Request, _ func(fanout.Progress)) (*fanout.Result, error) {
			gotReq = req
			return &fanout.Result{Total: 1, Succeeded: 1, MessageIDs: []string{"msg-1"}}, nil
		},
	}

	app := newTestApp(t, sender, &fakeMessageReader{}, nil)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages", map[string]any{
		"recipient": "member@example.com",
		"subject":   "Desk booking confirmed",
		"htmlBody":  "<p>See you soon</p>",
		"category":  "transactional",
		"priority":  2,
	})
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}

	body := decodeJSON[map[string]any](t, resp)
	if body["messageId"] != "msg-1" || body["status"] != "QUEUED" {
		t.Errorf("unexpected response %v", body)
	}

	if len(gotReq.Recipients) != 1 || gotReq.Recipients[0].Address != "member@example.com" {
		t.Errorf("recipient not forwarded: %+v", gotReq.Recipients)
	}
	if gotReq.Category != domain.CategoryTransactional {
		t.Errorf("category %q, want TRANSACTIONAL", gotReq.Category)
	}
	if gotReq.Priority != 2 {
		t.Errorf("priority %d, want 2", gotReq.Priority)
	}
}

func TestCreateMessageRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		sendFn: func(context.Context, fanout.Request, func(fanout.Progress)) (*fanout.Result, error) {
			t.Fatal("sender must not be called for an invalid category")
			return nil, nil
		},
	}

	app := newTestApp(t, sender, &fakeMessageReader{}, nil)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages", map[string]any{
		"recipient": "member@example.com",
		"subject":   "hi",
		"htmlBody":  "<p>hi</p>",
		"category":  "newsletter",
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}

	body := decodeJSON[map[string]string](t, resp)
	if body["error"] == "" {
		t.Error("error body missing")
	}
}

func TestCreateMessageSkipsOptedOutRecipient(t *testing.T) {
	t.Parallel()

	store := prefs.NewMemoryStore()
	store.OptOut("user-1", domain.CategoryMarketing)

	sender := &fakeSender{
		sendFn: func(context.Context, fanout.Request, func(fanout.Progress)) (*fanout.Result, error) {
			t.Fatal("sender must not be called for an opted-out recipient")
			return nil, nil
		},
	}

	app := newTestApp(t, sender, &fakeMessageReader{}, store)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages", map[string]any{
		"userId":    "user-1",
		"recipient": "member@example.com",
		"subject":   "Community newsletter",
		"htmlBody":  "<p>hi</p>",
		"category":  "marketing",
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	body := decodeJSON[map[string]any](t, resp)
	if body["skipped"] != true {
		t.Errorf("expected a skipped response, got %v", body)
	}
}

func TestCreateMessageAdmissionFailureIs500(t *testing.T) {
	t.Parallel()

	sender := okSender(&fanout.Result{
		Total:  1,
		Failed: 1,
		Errors: []fanout.RecipientError{{Index: 0, Address: "member@example.com", Reason: "store unavailable"}},
	})

	app := newTestApp(t, sender, &fakeMessageReader{}, nil)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages", map[string]any{
		"recipient": "member@example.com",
		"subject":   "hi",
		"htmlBody":  "<p>hi</p>",
		"category":  "transactional",
	})
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status %d, want 500", resp.StatusCode)
	}

	body := decodeJSON[map[string]string](t, resp)
	if body["error"] != "store unavailable" {
		t.Errorf("error %q, want the admission reason", body["error"])
	}
}

func TestCreateBulkFiltersOptedOutRecipients(t *testing.T) {
	t.Parallel()

	store := prefs.NewMemoryStore()
	store.OptOut("user-2", domain.CategoryMarketing)

	var gotReq fanout.Request
	sender := &fakeSender{
		sendFn: func(_ context.Context, req fanout.Request, _ func(fanout.Progress)) (*fanout.Result, error) {
			gotReq = req
			ids := make([]string, len(req.Recipients))
			for i := range ids {
				ids[i] = fmt.Sprintf("msg-%d", i)
			}
			return &fanout.Result{Total: len(req.Recipients), Succeeded: len(req.Recipients), MessageIDs: ids}, nil
		},
	}

	app := newTestApp(t, sender, &fakeMessageReader{}, store)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages/bulk", map[string]any{
		"subject":  "Community newsletter",
		"htmlBody": "<p>hi</p>",
		"category": "marketing",
		"recipients": []map[string]any{
			{"address": "a@example.com", "userId": "user-1"},
			{"address": "b@example.com", "userId": "user-2"},
			{"address": "c@example.com"},
		},
	})
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status %d, want 202", resp.StatusCode)
	}

	body := decodeJSON[createBulkResponse](t, resp)
	if body.Total != 3 || body.Succeeded != 2 || body.Skipped != 1 {
		t.Errorf("unexpected counts %+v", body)
	}
	if len(gotReq.Recipients) != 2 {
		t.Fatalf("sender received %d recipients, want 2", len(gotReq.Recipients))
	}
	for _, r := range gotReq.Recipients {
		if r.Address == "b@example.com" {
			t.Error("opted-out recipient reached the sender")
		}
	}
}

func TestCreateBulkAllSkippedShortCircuits(t *testing.T) {
	t.Parallel()

	store := prefs.NewMemoryStore()
	store.OptOut("user-1", domain.CategorySummary)

	sender := &fakeSender{
		sendFn: func(context.Context, fanout.Request, func(fanout.Progress)) (*fanout.Result, error) {
			t.Fatal("sender must not be called when every recipient is opted out")
			return nil, nil
		},
	}

	app := newTestApp(t, sender, &fakeMessageReader{}, store)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages/bulk", map[string]any{
		"subject":  "Weekly summary",
		"htmlBody": "<p>hi</p>",
		"category": "summary",
		"recipients": []map[string]any{
			{"address": "a@example.com", "userId": "user-1"},
		},
	})
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	body := decodeJSON[createBulkResponse](t, resp)
	if body.Total != 1 || body.Skipped != 1 || body.Succeeded != 0 {
		t.Errorf("unexpected counts %+v", body)
	}
}

func TestCreateBulkRequiresRecipients(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, okSender(&fanout.Result{}), &fakeMessageReader{}, nil)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/messages/bulk", map[string]any{
		"subject":  "hi",
		"htmlBody": "<p>hi</p>",
		"category": "marketing",
	})
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestGetMessage(t *testing.T) {
	t.Parallel()

	sentAt := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeMessageReader{
		getByIDFn: func(_ context.Context, id string) (*domain.Message, error) {
			if id != "msg-1" {
				return nil, domain.ErrNotFound
			}
			return &domain.Message{
				ID:        "msg-1",
				Recipient: "member@example.com",
				Subject:   "Desk booking confirmed",
				Category:  domain.CategoryTransactional,
				Status:    domain.StatusSent,
				SentAt:    &sentAt,
			}, nil
		},
	}

	app := newTestApp(t, okSender(&fanout.Result{}), reader, nil)

	resp := doJSON(t, app, fiber.MethodGet, "/v1/messages/msg-1", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	body := decodeJSON[messageResponse](t, resp)
	if body.ID != "msg-1" || body.Status != "SENT" {
		t.Errorf("unexpected body %+v", body)
	}

	resp = doJSON(t, app, fiber.MethodGet, "/v1/messages/unknown", nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestListMessagesParsesFilters(t *testing.T) {
	t.Parallel()

	var gotParams repository.ListParams
	reader := &fakeMessageReader{
		listFn: func(_ context.Context, params repository.ListParams) ([]domain.Message, int64, error) {
			gotParams = params
			return []domain.Message{{
				ID:        "msg-1",
				Recipient: "member@example.com",
				Subject:   "hi",
				Category:  domain.CategoryMarketing,
				Status:    domain.StatusSent,
			}}, 1, nil
		},
	}

	app := newTestApp(t, okSender(&fanout.Result{}), reader, nil)

	resp := doJSON(t, app, fiber.MethodGet,
		"/v1/messages?status=sent&category=marketing&userId=user-1&page=2&pageSize=25&from=2025-03-01T00:00:00Z", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}

	body := decodeJSON[listMessagesResponse](t, resp)
	if body.Meta.Page != 2 || body.Meta.PageSize != 25 || body.Meta.Total != 1 {
		t.Errorf("unexpected meta %+v", body.Meta)
	}
	if len(body.Data) != 1 {
		t.Fatalf("got %d rows, want 1", len(body.Data))
	}

	if gotParams.Status == nil || *gotParams.Status != domain.StatusSent {
		t.Error("status filter not parsed")
	}
	if gotParams.Category == nil || *gotParams.Category != domain.CategoryMarketing {
		t.Error("category filter not parsed")
	}
	if gotParams.UserID == nil || *gotParams.UserID != "user-1" {
		t.Error("userId filter not parsed")
	}
	if gotParams.From == nil {
		t.Error("from filter not parsed")
	}
}

func TestListMessagesRejectsBadPaging(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, okSender(&fanout.Result{}), &fakeMessageReader{}, nil)

	for _, path := range []string{
		"/v1/messages?page=0",
		"/v1/messages?pageSize=0",
		"/v1/messages?pageSize=500",
		"/v1/messages?status=SHIPPED",
		"/v1/messages?from=yesterday",
	} {
		resp := doJSON(t, app, fiber.MethodGet, path, nil)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
