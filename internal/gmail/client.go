package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"mailmirror/internal/domain"
	"mailmirror/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"
)

// TokenProvider yields the OAuth token source for one user. How tokens are
// stored and refreshed is the provider's business.
type TokenProvider interface {
	TokenSource(ctx context.Context, userID int64) (oauth2.TokenSource, error)
}

// Client adapts the Gmail, People and Calendar APIs to the sync interfaces.
// All taxonomy translation happens here: callers only ever see the typed
// errors from the domain package.
type Client struct {
	tokens TokenProvider
	logger *zerolog.Logger

	mu       sync.Mutex
	services map[int64]*userServices
}

type userServices struct {
	gmail    *gmailapi.Service
	people   *people.Service
	calendar *calendar.Service
}

func NewClient(tokens TokenProvider, logger *zerolog.Logger) *Client {
	return &Client{
		tokens:   tokens,
		logger:   logger,
		services: make(map[int64]*userServices),
	}
}

func (c *Client) forUser(ctx context.Context, userID int64) (*userServices, error) {
	c.mu.Lock()
	if svc, ok := c.services[userID]; ok {
		c.mu.Unlock()
		return svc, nil
	}
	c.mu.Unlock()

	ts, err := c.tokens.TokenSource(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthRevoked, err)
	}

	gm, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}
	pp, err := people.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create people service: %w", err)
	}
	cal, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}

	svc := &userServices{gmail: gm, people: pp, calendar: cal}
	c.mu.Lock()
	c.services[userID] = svc
	c.mu.Unlock()
	return svc, nil
}

// Invalidate drops the cached services for a user, forcing a token refresh
// on the next call. Used after a reconnect.
func (c *Client) Invalidate(userID int64) {
	c.mu.Lock()
	delete(c.services, userID)
	c.mu.Unlock()
}

// ListMessages fetches one page of the mailbox. Message bodies are not
// mirrored; the metadata fetch keeps the payload small.
func (c *Client) ListMessages(ctx context.Context, userID int64, pageToken string, pageSize int) (*models.MessagePage, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	call := svc.gmail.Users.Messages.List("me").MaxResults(int64(pageSize)).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, translate(err)
	}

	page := &models.MessagePage{
		NextPageToken: resp.NextPageToken,
		TotalEstimate: int(resp.ResultSizeEstimate),
	}
	for _, ref := range resp.Messages {
		msg, err := c.fetchMessage(ctx, svc, ref.Id)
		if err != nil {
			if isNotFound(err) {
				// Deleted between list and get; the next delta carries the
				// tombstone.
				continue
			}
			return nil, translate(err)
		}
		page.Messages = append(page.Messages, *msg)
	}
	return page, nil
}

func (c *Client) fetchMessage(ctx context.Context, svc *userServices, id string) (*models.EmailMessage, error) {
	raw, err := svc.gmail.Users.Messages.Get("me", id).
		Format("metadata").
		MetadataHeaders("From", "To", "Subject").
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return convertMessage(raw), nil
}

func convertMessage(raw *gmailapi.Message) *models.EmailMessage {
	m := &models.EmailMessage{
		ExternalID: raw.Id,
		ThreadID:   raw.ThreadId,
		Snippet:    raw.Snippet,
		Labels:     raw.LabelIds,
		InternalAt: time.UnixMilli(raw.InternalDate).UTC(),
	}
	if raw.Payload != nil {
		for _, h := range raw.Payload.Headers {
			switch h.Name {
			case "From":
				m.From = h.Value
			case "To":
				m.To = h.Value
			case "Subject":
				m.Subject = h.Value
			}
		}
	}
	return m
}

// ListContacts fetches one page of the user's contacts.
func (c *Client) ListContacts(ctx context.Context, userID int64, pageToken string, pageSize int) (*models.ContactPage, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	call := svc.people.People.Connections.List("people/me").
		PageSize(int64(pageSize)).
		PersonFields("names,emailAddresses,phoneNumbers,organizations").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, translate(err)
	}

	page := &models.ContactPage{NextPageToken: resp.NextPageToken}
	for _, person := range resp.Connections {
		page.Contacts = append(page.Contacts, convertPerson(person))
	}
	return page, nil
}

func convertPerson(p *people.Person) models.Contact {
	c := models.Contact{ExternalID: p.ResourceName}
	if len(p.Names) > 0 {
		c.Name = p.Names[0].DisplayName
	}
	if len(p.EmailAddresses) > 0 {
		c.Email = p.EmailAddresses[0].Value
	}
	if len(p.PhoneNumbers) > 0 {
		c.Phone = p.PhoneNumbers[0].Value
	}
	if len(p.Organizations) > 0 {
		c.Company = p.Organizations[0].Name
	}
	return c
}

// FetchDelta replays mailbox history from the cursor. Gmail answers 404 when
// the history id is too old; that is the cursor-invalidated signal.
func (c *Client) FetchDelta(ctx context.Context, userID int64, cursor string) (*models.DeltaPage, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor %q", domain.ErrCursorInvalidated, cursor)
	}

	delta := &models.DeltaPage{NewCursor: cursor}
	pageToken := ""
	for {
		call := svc.gmail.Users.History.List("me").StartHistoryId(startID).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if isNotFound(err) {
				return nil, domain.ErrCursorInvalidated
			}
			return nil, translate(err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				msg, err := c.fetchMessage(ctx, svc, added.Message.Id)
				if err != nil {
					if isNotFound(err) {
						continue
					}
					return nil, translate(err)
				}
				delta.Changes = append(delta.Changes, models.DeltaChange{Message: msg})
			}
			for _, deleted := range h.MessagesDeleted {
				delta.Changes = append(delta.Changes, models.DeltaChange{
					Message: &models.EmailMessage{ExternalID: deleted.Message.Id},
					Deleted: true,
				})
			}
		}
		if resp.HistoryId > 0 {
			delta.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
		}

		if resp.NextPageToken == "" {
			return delta, nil
		}
		pageToken = resp.NextPageToken
	}
}

// LatestCursor returns the mailbox's current history id.
func (c *Client) LatestCursor(ctx context.Context, userID int64) (string, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return "", err
	}
	profile, err := svc.gmail.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Execute performs an approved action. Never returns an error: the outcome,
// success or not, is the ExecutionResult.
func (c *Client) Execute(ctx context.Context, userID int64, payload models.ActionPayload) *models.ExecutionResult {
	now := time.Now()
	result := &models.ExecutionResult{ExecutedAt: &now}

	var messageID string
	var err error
	switch payload.Type {
	case models.ActionSendEmail:
		messageID, err = c.sendEmail(ctx, userID, payload)
	case models.ActionCreateEvent:
		messageID, err = c.createEvent(ctx, userID, payload)
	case models.ActionUpdateEvent:
		messageID, err = c.updateEvent(ctx, userID, payload)
	default:
		err = fmt.Errorf("unknown action type: %s", payload.Type)
	}

	if err != nil {
		result.ErrorMessage = err.Error()
		c.logger.Warn().Err(err).Int64("user_id", userID).
			Str("action", string(payload.Type)).Msg("action execution failed")
		return result
	}
	result.Success = true
	result.MessageID = messageID
	return result
}

func (c *Client) sendEmail(ctx context.Context, userID int64, payload models.ActionPayload) (string, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return "", err
	}

	// A staged draft takes priority over assembling a message from params.
	if payload.DraftID != "" {
		sent, err := svc.gmail.Users.Drafts.Send("me", &gmailapi.Draft{Id: payload.DraftID}).Context(ctx).Do()
		if err != nil {
			return "", translate(err)
		}
		return sent.Id, nil
	}

	to, _ := payload.Params["to"].(string)
	subject, _ := payload.Params["subject"].(string)
	body, _ := payload.Params["body"].(string)
	if to == "" {
		return "", errors.New("send_email requires params.to or a draft_id")
	}

	rfc822 := fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s", to, subject, body)
	sent, err := svc.gmail.Users.Messages.Send("me", &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(rfc822)),
	}).Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	return sent.Id, nil
}

func (c *Client) createEvent(ctx context.Context, userID int64, payload models.ActionPayload) (string, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return "", err
	}
	event, err := eventFromParams(payload)
	if err != nil {
		return "", err
	}
	created, err := svc.calendar.Events.Insert("primary", event).Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	return created.Id, nil
}

func (c *Client) updateEvent(ctx context.Context, userID int64, payload models.ActionPayload) (string, error) {
	svc, err := c.forUser(ctx, userID)
	if err != nil {
		return "", err
	}
	eventID, _ := payload.Params["event_id"].(string)
	if eventID == "" {
		return "", errors.New("update_event requires params.event_id")
	}
	event, err := eventFromParams(payload)
	if err != nil {
		return "", err
	}
	updated, err := svc.calendar.Events.Patch("primary", eventID, event).Context(ctx).Do()
	if err != nil {
		return "", translate(err)
	}
	return updated.Id, nil
}

func eventFromParams(payload models.ActionPayload) (*calendar.Event, error) {
	event := &calendar.Event{Summary: payload.Summary}
	if title, ok := payload.Params["title"].(string); ok && title != "" {
		event.Summary = title
	}
	if location, ok := payload.Params["location"].(string); ok {
		event.Location = location
	}
	if start, ok := payload.Params["start"].(string); ok && start != "" {
		if _, err := time.Parse(time.RFC3339, start); err != nil {
			return nil, fmt.Errorf("invalid start time: %w", err)
		}
		event.Start = &calendar.EventDateTime{DateTime: start}
	}
	if end, ok := payload.Params["end"].(string); ok && end != "" {
		if _, err := time.Parse(time.RFC3339, end); err != nil {
			return nil, fmt.Errorf("invalid end time: %w", err)
		}
		event.End = &calendar.EventDateTime{DateTime: end}
	}
	return event, nil
}

// translate folds googleapi errors into the domain taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", domain.ErrAuthRevoked, gerr.Message)
		case gerr.Code == http.StatusTooManyRequests, isQuotaReason(gerr):
			return &domain.QuotaError{RetryAfter: retryAfter(gerr)}
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %v", domain.ErrAuthRevoked, rerr)
	}

	return err
}

func isQuotaReason(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header != nil {
		if v := gerr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 30 * time.Second
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
