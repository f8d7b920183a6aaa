package fanout

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlasdesk/mailroom/internal/domain"
	"github.com/atlasdesk/mailroom/internal/queue"
	"github.com/atlasdesk/mailroom/internal/repository"
)

type fakeMessageRepo struct {
	createFn             func(ctx context.Context, m *domain.Message) error
	markFailedTerminalFn func(ctx context.Context, id, summary string) error
}

func (f *fakeMessageRepo) Create(ctx context.Context, m *domain.Message) error {
	if f.createFn == nil {
		return nil
	}
	return f.createFn(ctx, m)
}

func (f *fakeMessageRepo) GetByID(context.Context, string) (*domain.Message, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeMessageRepo) List(context.Context, repository.ListParams) ([]domain.Message, int64, error) {
	return nil, 0, nil
}

func (f *fakeMessageRepo) BeginAttempt(context.Context, string) (*domain.Message, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeMessageRepo) MarkSent(context.Context, string, string) error { return nil }

func (f *fakeMessageRepo) RecordFailure(context.Context, string, string) error { return nil }

func (f *fakeMessageRepo) MarkFailedTerminal(ctx context.Context, id, summary string) error {
	if f.markFailedTerminalFn == nil {
		return nil
	}
	return f.markFailedTerminalFn(ctx, id, summary)
}

func (f *fakeMessageRepo) MarkQueued(context.Context, string) (bool, error) { return false, nil }

func (f *fakeMessageRepo) ListRetryable(context.Context, int) ([]domain.Message, error) {
	return nil, nil
}

func (f *fakeMessageRepo) DeleteSentBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeMessageRepo) RecordEngagement(context.Context, string, repository.EngagementEvent) error {
	return nil
}

type fakeEnqueuer struct {
	enqueueFn func(ctx context.Context, payload queue.Payload, opts queue.Options) (*queue.Job, error)
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, payload queue.Payload, opts queue.Options) (*queue.Job, error) {
	if f.enqueueFn == nil {
		return &queue.Job{ID: payload.MessageID, Payload: payload, Opts: opts}, nil
	}
	return f.enqueueFn(ctx, payload, opts)
}

func recipients(n int) []Recipient {
	out := make([]Recipient, n)
	for i := range out {
		out[i] = Recipient{Address: fmt.Sprintf("member-%d@example.com", i)}
	}
	return out
}

func newTestCoordinator(t *testing.T, repo repository.MessageRepository, jobs Enqueuer) *Coordinator {
	t.Helper()

	c, err := NewCoordinator(repo, jobs, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func TestSendValidatesRequest(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, &fakeMessageRepo{}, &fakeEnqueuer{})

	_, err := c.Send(context.Background(), Request{
		Subject:  "Community newsletter",
		HTMLBody: "<p>hi</p>",
		Category: domain.CategoryMarketing,
	}, nil)
	if err == nil {
		t.Fatal("expected an error for an empty recipient list")
	}

	_, err = c.Send(context.Background(), Request{
		Subject:    "Community newsletter",
		HTMLBody:   "<p>hi</p>",
		Category:   domain.Category("NEWSLETTER"),
		Recipients: recipients(1),
	}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown category")
	}
}

func TestSendCreatesRecordPerRecipient(t *testing.T) {
	t.Parallel()

	var created []*domain.Message
	var enqueued []queue.Payload
	repo := &fakeMessageRepo{
		createFn: func(_ context.Context, m *domain.Message) error {
			created = append(created, m)
			return nil
		},
	}
	jobs := &fakeEnqueuer{
		enqueueFn: func(_ context.Context, payload queue.Payload, opts queue.Options) (*queue.Job, error) {
			enqueued = append(enqueued, payload)
			if opts.Priority != 3 {
				t.Errorf("priority not forwarded, got %d", opts.Priority)
			}
			return &queue.Job{ID: payload.MessageID}, nil
		},
	}

	c := newTestCoordinator(t, repo, jobs)

	result, err := c.Send(context.Background(), Request{
		Subject:    "Receipt ready",
		HTMLBody:   "<p>Your receipt</p>",
		Category:   domain.CategoryReceipt,
		Priority:   3,
		Metadata:   map[string]string{"month": "august"},
		Recipients: []Recipient{{Address: "a@example.com", Data: map[string]string{"name": "Ada"}}, {Address: "b@example.com"}},
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("got %d succeeded / %d failed, want 2 / 0", result.Succeeded, result.Failed)
	}
	if len(created) != 2 || len(enqueued) != 2 {
		t.Fatalf("got %d records and %d jobs, want 2 each", len(created), len(enqueued))
	}
	if len(result.MessageIDs) != 2 {
		t.Fatalf("got %d message IDs, want 2", len(result.MessageIDs))
	}
	if created[0].Metadata["month"] != "august" || created[0].Metadata["name"] != "Ada" {
		t.Errorf("per-recipient data not merged over shared metadata: %v", created[0].Metadata)
	}
	if created[1].Metadata["name"] != "" {
		t.Errorf("per-recipient data leaked across recipients: %v", created[1].Metadata)
	}
	if enqueued[0].MessageID != created[0].ID {
		t.Errorf("job payload references %q, record is %q", enqueued[0].MessageID, created[0].ID)
	}
}

func TestSendContinuesPastFailingRecipient(t *testing.T) {
	t.Parallel()

	repo := &fakeMessageRepo{
		createFn: func(_ context.Context, m *domain.Message) error {
			if strings.HasPrefix(m.Recipient, "member-5@") {
				return fmt.Errorf("unique constraint violation")
			}
			return nil
		},
	}

	c := newTestCoordinator(t, repo, &fakeEnqueuer{})

	result, err := c.Send(context.Background(), Request{
		Subject:    "Community newsletter",
		HTMLBody:   "<p>hi</p>",
		Category:   domain.CategoryMarketing,
		Recipients: recipients(10),
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if result.Succeeded != 9 || result.Failed != 1 {
		t.Fatalf("got %d succeeded / %d failed, want 9 / 1", result.Succeeded, result.Failed)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("got %d recipient errors, want 1", len(result.Errors))
	}
	if result.Errors[0].Index != 5 || result.Errors[0].Address != "member-5@example.com" {
		t.Errorf("unexpected recipient error %+v", result.Errors[0])
	}
}

func TestSendEnqueueFailureClosesRecord(t *testing.T) {
	t.Parallel()

	var closedID, closedSummary string
	repo := &fakeMessageRepo{
		markFailedTerminalFn: func(_ context.Context, id, summary string) error {
			closedID = id
			closedSummary = summary
			return nil
		},
	}
	jobs := &fakeEnqueuer{
		enqueueFn: func(context.Context, queue.Payload, queue.Options) (*queue.Job, error) {
			return nil, fmt.Errorf("queue full")
		},
	}

	c := newTestCoordinator(t, repo, jobs)

	result, err := c.Send(context.Background(), Request{
		Subject:    "Receipt ready",
		HTMLBody:   "<p>Your receipt</p>",
		Category:   domain.CategoryReceipt,
		Recipients: recipients(1),
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if result.Failed != 1 || result.Succeeded != 0 {
		t.Fatalf("got %d succeeded / %d failed, want 0 / 1", result.Succeeded, result.Failed)
	}
	if closedID == "" {
		t.Fatal("record was not closed out after the enqueue failure")
	}
	if !strings.Contains(closedSummary, "enqueue failed") {
		t.Errorf("unexpected close-out summary %q", closedSummary)
	}
}

func TestSendProgressIsMonotonicAndReachesHundred(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, &fakeMessageRepo{}, &fakeEnqueuer{})

	var reports []Progress
	result, err := c.Send(context.Background(), Request{
		Subject:    "Community newsletter",
		HTMLBody:   "<p>hi</p>",
		Category:   domain.CategoryMarketing,
		Recipients: recipients(7),
	}, func(p Progress) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Succeeded != 7 {
		t.Fatalf("got %d succeeded, want 7", result.Succeeded)
	}

	if len(reports) != 7 {
		t.Fatalf("got %d progress reports, want 7", len(reports))
	}
	for i := 1; i < len(reports); i++ {
		if reports[i].Percent < reports[i-1].Percent {
			t.Fatalf("progress went backwards: %v then %v", reports[i-1], reports[i])
		}
	}
	last := reports[len(reports)-1]
	if last.Done != 7 || last.Percent != 100 {
		t.Errorf("final progress %+v, want done=7 percent=100", last)
	}
}

func TestSendBatchesWithDelay(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, &fakeMessageRepo{}, &fakeEnqueuer{})

	var sleeps []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	result, err := c.Send(context.Background(), Request{
		Subject:    "Community newsletter",
		HTMLBody:   "<p>hi</p>",
		Category:   domain.CategoryMarketing,
		Recipients: recipients(10),
		BatchSize:  4,
		BatchDelay: 250 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Succeeded != 10 {
		t.Fatalf("got %d succeeded, want 10", result.Succeeded)
	}

	// 10 recipients in batches of 4 pause twice: before index 4 and 8.
	if len(sleeps) != 2 {
		t.Fatalf("got %d batch pauses, want 2", len(sleeps))
	}
	for _, d := range sleeps {
		if d != 250*time.Millisecond {
			t.Errorf("batch pause of %v, want 250ms", d)
		}
	}
}

func TestSendCancelledMidBatchFailsRemainder(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t, &fakeMessageRepo{}, &fakeEnqueuer{})
	c.sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}

	result, err := c.Send(context.Background(), Request{
		Subject:    "Community newsletter",
		HTMLBody:   "<p>hi</p>",
		Category:   domain.CategoryMarketing,
		Recipients: recipients(6),
		BatchSize:  2,
		BatchDelay: time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if result.Succeeded != 2 || result.Failed != 4 {
		t.Fatalf("got %d succeeded / %d failed, want 2 / 4", result.Succeeded, result.Failed)
	}
	if result.Succeeded+result.Failed != result.Total {
		t.Errorf("outcome counts %d+%d do not cover total %d", result.Succeeded, result.Failed, result.Total)
	}
}
