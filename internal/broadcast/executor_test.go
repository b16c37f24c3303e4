package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avilov-dev/dmpilot/internal/campaign"
	"github.com/avilov-dev/dmpilot/internal/ratelimit"
)

type fakeStore struct {
	mu sync.Mutex

	campaigns  map[int64]campaign.Campaign
	recipients map[int64][]campaign.Recipient

	statusByRecipient map[int64]string
	errorByRecipient  map[int64]string
	sentCount         int
	failedCount       int
	total             int
	campaignStatus    map[int64]string
	activity          []string

	due            []campaign.Campaign
	lastExcludeIDs []int64
	listDueErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:         map[int64]campaign.Campaign{},
		recipients:        map[int64][]campaign.Recipient{},
		statusByRecipient: map[int64]string{},
		errorByRecipient:  map[int64]string{},
		campaignStatus:    map[int64]string{},
	}
}

func (f *fakeStore) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recipients[campaignID], nil
}

func (f *fakeStore) setStatus(id int64, status string) {
	f.campaignStatus[id] = status
	if c, ok := f.campaigns[id]; ok {
		c.Status = status
		f.campaigns[id] = c
	}
}

func (f *fakeStore) MarkCampaignSending(ctx context.Context, id int64, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(id, campaign.StatusSending)
	f.total = total
	return nil
}

func (f *fakeStore) MarkCampaignCompleted(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(id, campaign.StatusCompleted)
	return nil
}

func (f *fakeStore) UpdateCampaignStatus(ctx context.Context, id int64, status, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setStatus(id, status)
	return nil
}

func (f *fakeStore) IncrementCampaignCounters(ctx context.Context, id int64, sentDelta, failedDelta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentCount += sentDelta
	f.failedCount += failedDelta
	return nil
}

func (f *fakeStore) MarkRecipientSent(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusByRecipient[id] = campaign.RecipientSent
	return nil
}

func (f *fakeStore) MarkRecipientFailed(ctx context.Context, id int64, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusByRecipient[id] = campaign.RecipientFailed
	f.errorByRecipient[id] = errText
	return nil
}

func (f *fakeStore) CreateActivityLog(ctx context.Context, campaignID, recipientID int64, action, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, action)
	return nil
}

func (f *fakeStore) ListDueScheduledCampaigns(ctx context.Context, now time.Time, excludeIDs []int64) ([]campaign.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastExcludeIDs = excludeIDs
	return f.due, f.listDueErr
}

// fakeSender fails sends to external ids listed in failOn; block, when set,
// holds every send until released.
type fakeSender struct {
	mu     sync.Mutex
	calls  int
	sent   []string
	failOn map[string]error
	block  chan struct{}
}

func (s *fakeSender) SendDM(ctx context.Context, recipientExternalID, text, mediaURL string) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipientExternalID)
	if err, ok := s.failOn[recipientExternalID]; ok {
		return err
	}
	return nil
}

func (s *fakeSender) waitForCall(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		started := s.calls > 0
		s.mu.Unlock()
		if started {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sender was never called")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func newTestExecutor(st Store, snd *fakeSender) (*Executor, *[]time.Duration) {
	e := NewExecutor(st, snd, ratelimit.New(1000, time.Hour), nil)
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	e.jitter = func() time.Duration { return time.Second }
	return e, &slept
}

func seedCampaign(st *fakeStore, id int64, status string, externalIDs ...string) {
	st.campaigns[id] = campaign.Campaign{
		ID: id, TenantID: 1, AccountID: "acct-1", Message: "hi", Status: status,
	}
	for i, ext := range externalIDs {
		st.recipients[id] = append(st.recipients[id], campaign.Recipient{
			ID: int64(100 + i), CampaignID: id, ExternalID: ext, Status: campaign.RecipientPending,
		})
	}
}

func TestExecute_CountersMatchRecipients(t *testing.T) {
	st := newFakeStore()
	seedCampaign(st, 1, campaign.StatusDraft, "u1", "u2", "u3")
	snd := &fakeSender{failOn: map[string]error{"u2": errors.New("user not reachable")}}
	e, _ := newTestExecutor(st, snd)

	if err := e.Execute(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	if st.sentCount != 2 || st.failedCount != 1 {
		t.Fatalf("sent=%d failed=%d, want 2/1", st.sentCount, st.failedCount)
	}
	if st.sentCount+st.failedCount != len(st.recipients[1]) {
		t.Fatalf("sent+failed != recipients processed")
	}
	if st.total != 3 {
		t.Fatalf("total_recipients=%d, want 3", st.total)
	}
	// Partial failure is still a normal terminal outcome.
	if st.campaignStatus[1] != campaign.StatusCompleted {
		t.Fatalf("status=%q, want completed", st.campaignStatus[1])
	}
	if st.statusByRecipient[101] != campaign.RecipientFailed {
		t.Fatalf("recipient 101 status=%q, want failed", st.statusByRecipient[101])
	}
	if st.errorByRecipient[101] != "user not reachable" {
		t.Fatalf("recipient 101 error=%q", st.errorByRecipient[101])
	}
}

func TestExecute_ConcurrentSecondCallFails(t *testing.T) {
	st := newFakeStore()
	seedCampaign(st, 1, campaign.StatusDraft, "u1")
	snd := &fakeSender{block: make(chan struct{})}
	e, _ := newTestExecutor(st, snd)

	first := make(chan error, 1)
	go func() { first <- e.Execute(context.Background(), 1) }()

	// Wait until the first execution holds the claim and sits in SendDM.
	snd.waitForCall(t)
	if err := e.Execute(context.Background(), 1); !errors.Is(err, campaign.ErrAlreadyExecuting) {
		t.Fatalf("second call: err=%v, want AlreadyExecuting", err)
	}

	close(snd.block)
	if err := <-first; err != nil {
		t.Fatalf("first execution: %v", err)
	}

	// The guard is released on exit, so a rerun is rejected only by status.
	err := e.Execute(context.Background(), 1)
	if !errors.Is(err, campaign.ErrInvalidState) {
		t.Fatalf("err=%v, want InvalidState after completion", err)
	}
}

func TestExecute_InvalidStateSendsNothing(t *testing.T) {
	st := newFakeStore()
	seedCampaign(st, 1, campaign.StatusSending, "u1")
	snd := &fakeSender{}
	e, _ := newTestExecutor(st, snd)

	err := e.Execute(context.Background(), 1)
	if !errors.Is(err, campaign.ErrInvalidState) {
		t.Fatalf("err=%v, want InvalidState", err)
	}
	if len(snd.sent) != 0 {
		t.Fatalf("sent %d messages, want 0", len(snd.sent))
	}
}

func TestExecute_NotFound(t *testing.T) {
	e, _ := newTestExecutor(newFakeStore(), &fakeSender{})
	if err := e.Execute(context.Background(), 42); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("err=%v, want NotFound", err)
	}
}

func TestExecute_PlatformRateLimitTriggersBackoff(t *testing.T) {
	st := newFakeStore()
	seedCampaign(st, 1, campaign.StatusDraft, "u1", "u2")
	snd := &fakeSender{failOn: map[string]error{
		"u1": errors.New("send dm: rate limit exceeded, status 429: slow down"),
	}}
	e, slept := newTestExecutor(st, snd)

	if err := e.Execute(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	// One reactive 60s pause after the rate-limited failure, one jitter
	// sleep after the successful send.
	found := false
	for _, d := range *slept {
		if d == rateLimitBackoff {
			found = true
		}
	}
	if !found {
		t.Fatalf("slept=%v, want a %v backoff", *slept, rateLimitBackoff)
	}
	if st.campaignStatus[1] != campaign.StatusCompleted {
		t.Fatalf("status=%q, want completed", st.campaignStatus[1])
	}
}

func TestCheckScheduled_StartsDueCampaigns(t *testing.T) {
	st := newFakeStore()
	seedCampaign(st, 1, campaign.StatusScheduled, "u1")
	st.due = []campaign.Campaign{st.campaigns[1]}
	snd := &fakeSender{}
	e, _ := newTestExecutor(st, snd)

	e.CheckScheduled(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		st.mu.Lock()
		done := st.campaignStatus[1] == campaign.StatusCompleted
		st.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("due campaign was not executed")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestCheckScheduled_ExcludesExecuting(t *testing.T) {
	st := newFakeStore()
	seedCampaign(st, 1, campaign.StatusDraft, "u1")
	snd := &fakeSender{block: make(chan struct{})}
	e, _ := newTestExecutor(st, snd)

	go func() { _ = e.Execute(context.Background(), 1) }()

	deadline := time.After(2 * time.Second)
	for {
		e.CheckScheduled(context.Background())
		st.mu.Lock()
		excluded := len(st.lastExcludeIDs) == 1 && st.lastExcludeIDs[0] == 1
		st.mu.Unlock()
		if excluded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("executing campaign id never passed as exclusion")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(snd.block)
}
