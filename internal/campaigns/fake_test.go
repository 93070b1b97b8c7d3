package campaigns

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bissquit/chat-relay/internal/domain"
	"github.com/bissquit/chat-relay/internal/sessions"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRecipient struct {
	id           int64
	campaignID   int64
	contactID    int64
	channelID    *int64
	messageID    *int64
	status       domain.MessageStatus
	errorMessage string
}

type convKey struct {
	channelID int64
	address   string
}

type fakeRepository struct {
	mu            sync.Mutex
	nextID        int64
	campaigns     map[int64]*domain.Campaign
	contacts      map[int64]domain.Contact
	templates     map[int64]string
	recipients    []*fakeRecipient
	conversations map[convKey]int64
	dispatched    []DispatchInput
	dispatchErr   map[int64]error
	// onLaunch runs inside Launch before the status check.
	onLaunch func(c *domain.Campaign)
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		campaigns:     make(map[int64]*domain.Campaign),
		contacts:      make(map[int64]domain.Contact),
		templates:     make(map[int64]string),
		conversations: make(map[convKey]int64),
		dispatchErr:   make(map[int64]error),
	}
}

func (r *fakeRepository) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *fakeRepository) addContact(c domain.Contact) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.id()
	r.contacts[c.ID] = c
	return c.ID
}

func (r *fakeRepository) addCampaign(c domain.Campaign) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = r.id()
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	c.CreatedAt = testNow.Add(-time.Hour)
	r.campaigns[c.ID] = &c
	return c.ID
}

func (r *fakeRepository) addTemplate(body string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.id()
	r.templates[id] = body
	return id
}

// addRecipient links an existing contact to a campaign directly.
func (r *fakeRepository) addRecipient(campaignID, contactID int64, channelID *int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &fakeRecipient{id: r.id(), campaignID: campaignID, contactID: contactID, channelID: channelID, status: domain.MessageStatusPending}
	r.recipients = append(r.recipients, rec)
	r.campaigns[campaignID].TotalRecipients++
	return rec.id
}

func (r *fakeRepository) GetCampaign(_ context.Context, id int64) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepository) ListCampaigns(_ context.Context, filter ListFilter) ([]domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]domain.Campaign, 0)
	for _, c := range r.campaigns {
		if c.Status != filter.Status {
			continue
		}
		if filter.DueBefore != nil {
			at := c.CreatedAt
			if c.ScheduledAt != nil {
				at = *c.ScheduledAt
			}
			if at.After(*filter.DueBefore) {
				continue
			}
		}
		result = append(result, *c)
	}
	slices.SortFunc(result, func(a, b domain.Campaign) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

func (r *fakeRepository) UpdateStatus(_ context.Context, u StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[u.CampaignID]
	if !ok {
		return ErrCampaignNotFound
	}
	if !slices.Contains(u.From, c.Status) {
		return ErrStatusChanged
	}
	c.Status = u.To
	c.PauseReason = u.PauseReason
	at := u.At
	if u.To == domain.CampaignRunning && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if u.To.IsFinal() {
		c.CompletedAt = &at
	}
	return nil
}

func (r *fakeRepository) Launch(_ context.Context, id int64, scheduledAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return 0, ErrCampaignNotFound
	}
	if r.onLaunch != nil {
		r.onLaunch(c)
	}
	if c.Status != domain.CampaignDraft {
		return 0, ErrStatusChanged
	}

	var matched []int64
	for cid, contact := range r.contacts {
		byStage := c.Audience.PipelineStageID != nil && contact.PipelineStageID != nil &&
			*contact.PipelineStageID == *c.Audience.PipelineStageID
		if byStage || slices.Contains(c.Audience.ContactIDs, cid) {
			matched = append(matched, cid)
		}
	}
	slices.Sort(matched)

	existing := r.countLocked(id)
	if existing+len(matched) == 0 {
		return 0, ErrEmptyAudience
	}
	for _, cid := range matched {
		if r.hasRecipientLocked(id, cid) {
			continue
		}
		r.recipients = append(r.recipients, &fakeRecipient{id: r.id(), campaignID: id, contactID: cid, status: domain.MessageStatusPending})
	}

	total := r.countLocked(id)
	c.Status = domain.CampaignScheduled
	c.ScheduledAt = &scheduledAt
	c.TotalRecipients = total
	c.PauseReason = nil
	return total, nil
}

func (r *fakeRepository) countLocked(campaignID int64) int {
	n := 0
	for _, rec := range r.recipients {
		if rec.campaignID == campaignID {
			n++
		}
	}
	return n
}

func (r *fakeRepository) hasRecipientLocked(campaignID, contactID int64) bool {
	for _, rec := range r.recipients {
		if rec.campaignID == campaignID && rec.contactID == contactID {
			return true
		}
	}
	return false
}

func (r *fakeRepository) TemplateBody(_ context.Context, templateID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.templates[templateID]
	if !ok {
		return "", ErrTemplateMissing
	}
	return body, nil
}

func (r *fakeRepository) PendingRecipients(_ context.Context, campaignID int64, limit int) ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]Target, 0)
	for _, rec := range r.recipients {
		if len(targets) == limit {
			break
		}
		if rec.campaignID == campaignID && rec.status == domain.MessageStatusPending && rec.messageID == nil {
			targets = append(targets, Target{RecipientID: rec.id, ChannelID: rec.channelID, Contact: r.contacts[rec.contactID]})
		}
	}
	return targets, nil
}

func (r *fakeRepository) Dispatch(_ context.Context, in DispatchInput) (*Dispatched, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recipientLocked(in.RecipientID)
	if rec == nil || rec.status != domain.MessageStatusPending || rec.messageID != nil {
		return nil, ErrAlreadyDispatched
	}
	if err := r.dispatchErr[in.RecipientID]; err != nil {
		return nil, err
	}

	res := &Dispatched{}
	key := convKey{channelID: in.ChannelID, address: in.Address}
	convID, ok := r.conversations[key]
	if !ok {
		convID = r.id()
		r.conversations[key] = convID
		res.ConversationCreated = true
	}
	res.ConversationID = convID
	res.MessageID = r.id()
	res.SendRequestID = r.id()

	msgID, channelID := res.MessageID, in.ChannelID
	rec.messageID = &msgID
	rec.channelID = &channelID
	r.dispatched = append(r.dispatched, in)
	return res, nil
}

func (r *fakeRepository) FailRecipient(_ context.Context, campaignID, recipientID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recipientLocked(recipientID)
	if rec == nil || rec.campaignID != campaignID || rec.status != domain.MessageStatusPending {
		return nil
	}
	rec.status = domain.MessageStatusFailed
	rec.errorMessage = reason
	r.campaigns[campaignID].MessagesFailed++
	return nil
}

func (r *fakeRepository) recipientLocked(id int64) *fakeRecipient {
	for _, rec := range r.recipients {
		if rec.id == id {
			return rec
		}
	}
	return nil
}

func (r *fakeRepository) campaign(id int64) domain.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaigns[id]
}

func (r *fakeRepository) recipientsOf(campaignID int64) []fakeRecipient {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fakeRecipient
	for _, rec := range r.recipients {
		if rec.campaignID == campaignID {
			out = append(out, *rec)
		}
	}
	return out
}

func (r *fakeRepository) dispatches() []DispatchInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.dispatched)
}

type fakeResolver struct {
	connected map[int64]bool
	err       error
}

func connectedChannels(ids ...int64) *fakeResolver {
	r := &fakeResolver{connected: make(map[int64]bool)}
	for _, id := range ids {
		r.connected[id] = true
	}
	return r
}

func (f *fakeResolver) ResolveChannel(candidates ...int64) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	for _, id := range candidates {
		if id != 0 && f.connected[id] {
			return id, nil
		}
	}
	var ids []int64
	for id := range f.connected {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, sessions.ErrNoConnectedChannel
	}
	return slices.Min(ids), nil
}

type fakeObserver struct {
	mu      sync.Mutex
	created []int64
}

func (o *fakeObserver) OnConversationCreated(_ context.Context, conversationID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created = append(o.created, conversationID)
}

type publishedEvent struct {
	channelID int64
	event     domain.IntegrationEvent
	data      any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, channelID int64, event domain.IntegrationEvent, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{channelID: channelID, event: event, data: data})
}

func (p *fakePublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.events)
}

func int64Ptr(v int64) *int64 { return &v }
