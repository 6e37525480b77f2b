package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

const (
	wassengerDefaultBaseURL = "https://api.wassenger.com/v1"
	wassengerSigHeader      = "X-Wassenger-Signature"
)

// WassengerAdapter implements the Adapter contract against the Wassenger
// REST dialect (Token header auth, page/size pagination, device-scoped
// resources).
type WassengerAdapter struct {
	token    string
	deviceID string
	baseURL  string
	client   *http.Client
}

// NewWassengerAdapter creates a Wassenger adapter. The deviceID scopes
// chat and group endpoints; an empty baseURL selects the production endpoint.
func NewWassengerAdapter(token, deviceID, baseURL string, client *http.Client) *WassengerAdapter {
	if baseURL == "" {
		baseURL = wassengerDefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WassengerAdapter{token: token, deviceID: deviceID, baseURL: baseURL, client: client}
}

// Kind returns the provider kind.
func (a *WassengerAdapter) Kind() string { return model.ProviderWassenger }

func (a *WassengerAdapter) doJSON(ctx context.Context, method, endpoint string, params url.Values, body, out interface{}, sendOp bool) error {
	u := a.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(utils.MustMarshalJSON(body))
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("%w: failed to build wassenger request: %v", apperrors.ErrBadRequest, err)
	}
	req.Header.Set("Token", a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(err)
	}

	if errStatus := classifyStatus(resp.StatusCode, truncateBody(data), sendOp); errStatus != nil {
		logger.FromContext(ctx).Warn("Wassenger request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return errStatus
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: failed to decode wassenger response: %v", apperrors.ErrTransient, err)
		}
	}
	return nil
}

type wassengerSendResponse struct {
	ID           string `json:"id"`
	WaID         string `json:"waId"`
	DeliveryAt   string `json:"deliverAt"`
	CreatedAtSec int64  `json:"createdAt"`
}

// SendText sends a text message via POST /messages.
func (a *WassengerAdapter) SendText(ctx context.Context, to, body string) (*MessageReceipt, error) {
	payload := map[string]interface{}{
		"phone":   to,
		"message": body,
	}
	var resp wassengerSendResponse
	if err := a.doJSON(ctx, http.MethodPost, "/messages", nil, payload, &resp, true); err != nil {
		return nil, err
	}
	id := resp.WaID
	if id == "" {
		id = resp.ID
	}
	return &MessageReceipt{MessageID: id, Status: model.MessageStatusSent, Timestamp: resp.CreatedAtSec}, nil
}

// SendMedia sends media via POST /messages with an inline base64 file.
func (a *WassengerAdapter) SendMedia(ctx context.Context, to string, media []byte, filename, mediaType, caption string) (*MessageReceipt, error) {
	if !validMediaType(mediaType) {
		return nil, fmt.Errorf("%w: unsupported media type %q", apperrors.ErrValidation, mediaType)
	}
	payload := map[string]interface{}{
		"phone":   to,
		"message": caption,
		"media": map[string]interface{}{
			"file":     base64.StdEncoding.EncodeToString(media),
			"filename": filename,
			"format":   mediaType,
		},
	}
	var resp wassengerSendResponse
	if err := a.doJSON(ctx, http.MethodPost, "/messages", nil, payload, &resp, true); err != nil {
		return nil, err
	}
	id := resp.WaID
	if id == "" {
		id = resp.ID
	}
	return &MessageReceipt{MessageID: id, Status: model.MessageStatusSent, Timestamp: resp.CreatedAtSec}, nil
}

type wassengerContact struct {
	WaID  string `json:"wid"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
	Alias string `json:"displayName"`
}

func (a *WassengerAdapter) pageParams(cursor string, pageSize int) (url.Values, int, error) {
	pageNum, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, 0, err
	}
	return url.Values{
		"page": {strconv.Itoa(pageNum)},
		"size": {strconv.Itoa(pageSize)},
	}, pageNum, nil
}

// nextPageCursor advances a page-number cursor, or ends paging when the
// provider returned a short page.
func nextPageCursor(pageNum, returned, pageSize int) string {
	if returned == 0 || returned < pageSize {
		return ""
	}
	return strconv.Itoa(pageNum + 1)
}

// FetchContacts pages through GET /devices/{id}/contacts with page/size.
func (a *WassengerAdapter) FetchContacts(ctx context.Context, cursor string, pageSize int) (*ContactPage, error) {
	params, pageNum, err := a.pageParams(cursor, pageSize)
	if err != nil {
		return nil, err
	}
	var resp []wassengerContact
	if err := a.doJSON(ctx, http.MethodGet, "/devices/"+url.PathEscape(a.deviceID)+"/contacts", params, nil, &resp, false); err != nil {
		return nil, err
	}

	page := &ContactPage{NextCursor: nextPageCursor(pageNum, len(resp), pageSize)}
	now := utils.Now()
	for _, c := range resp {
		contactID := c.WaID
		if contactID == "" {
			contactID = c.Phone + waUserSuffix
		}
		page.Contacts = append(page.Contacts, model.Contact{
			ContactID:   contactID,
			PhoneNumber: c.Phone,
			DisplayName: c.Name,
			PushName:    c.Alias,
			Active:      true,
			SyncedAt:    now,
		})
	}
	return page, nil
}

type wassengerGroup struct {
	WaID         string `json:"wid"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	InviteLink   string `json:"inviteCode"`
	CreatedAtSec int64  `json:"createdAt"`
	Participants []struct {
		WaID    string `json:"wid"`
		IsAdmin bool   `json:"isAdmin"`
	} `json:"participants"`
}

// FetchGroups pages through GET /devices/{id}/groups.
func (a *WassengerAdapter) FetchGroups(ctx context.Context, cursor string, pageSize int) (*GroupPage, error) {
	params, pageNum, err := a.pageParams(cursor, pageSize)
	if err != nil {
		return nil, err
	}
	var resp []wassengerGroup
	if err := a.doJSON(ctx, http.MethodGet, "/devices/"+url.PathEscape(a.deviceID)+"/groups", params, nil, &resp, false); err != nil {
		return nil, err
	}

	page := &GroupPage{NextCursor: nextPageCursor(pageNum, len(resp), pageSize)}
	now := utils.Now()
	for _, g := range resp {
		invite := g.InviteLink
		if invite != "" {
			invite = "https://chat.whatsapp.com/" + invite
		}
		page.Groups = append(page.Groups, model.Group{
			GroupID:         g.WaID,
			WireID:          wireGroupID(g.WaID),
			Name:            g.Name,
			Description:     g.Description,
			InviteLink:      invite,
			Active:          true,
			RemoteTimestamp: g.CreatedAtSec,
			SyncedAt:        now,
		})
	}
	return page, nil
}

// wassengerMessage mirrors the wire shape; Flow is "inbound" or "outbound".
type wassengerMessage struct {
	WaID         string `json:"wid"`
	Chat         string `json:"chat"`
	FromNumber   string `json:"fromNumber"`
	Flow         string `json:"flow"`
	Body         string `json:"body"`
	Type         string `json:"type"`
	DeliveredSec int64  `json:"deliveredAt"`
	CreatedAtSec int64  `json:"createdAt"`
	Status       string `json:"status"`
}

// FetchMessages pages through GET /chat/{device}/messages.
func (a *WassengerAdapter) FetchMessages(ctx context.Context, chatScope, cursor string, pageSize int) (*MessagePage, error) {
	params, pageNum, err := a.pageParams(cursor, pageSize)
	if err != nil {
		return nil, err
	}
	if chatScope != "" {
		params.Set("chat", chatScope)
	}
	var resp []wassengerMessage
	if err := a.doJSON(ctx, http.MethodGet, "/chat/"+url.PathEscape(a.deviceID)+"/messages", params, nil, &resp, false); err != nil {
		return nil, err
	}

	page := &MessagePage{NextCursor: nextPageCursor(pageNum, len(resp), pageSize)}
	for _, m := range resp {
		page.Messages = append(page.Messages, wassengerToMessage(m))
	}
	return page, nil
}

// FetchGroupMembers reads participants from GET /devices/{id}/groups/{gid}.
func (a *WassengerAdapter) FetchGroupMembers(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	var resp wassengerGroup
	endpoint := "/devices/" + url.PathEscape(a.deviceID) + "/groups/" + url.PathEscape(groupID)
	if err := a.doJSON(ctx, http.MethodGet, endpoint, nil, nil, &resp, false); err != nil {
		return nil, err
	}
	now := utils.Now()
	members := make([]model.GroupMember, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		members = append(members, model.GroupMember{
			GroupID:   groupID,
			ContactID: p.WaID,
			IsAdmin:   p.IsAdmin,
			Active:    true,
			SyncedAt:  now,
		})
	}
	return members, nil
}

// CreateGroup creates a group via POST /devices/{id}/groups.
func (a *WassengerAdapter) CreateGroup(ctx context.Context, name string, participants []string) (*model.Group, error) {
	payload := map[string]interface{}{
		"name":         name,
		"participants": participants,
	}
	var resp wassengerGroup
	if err := a.doJSON(ctx, http.MethodPost, "/devices/"+url.PathEscape(a.deviceID)+"/groups", nil, payload, &resp, false); err != nil {
		return nil, err
	}
	if resp.WaID == "" {
		return nil, fmt.Errorf("%w: wassenger returned no group id", apperrors.ErrTransient)
	}
	return &model.Group{
		GroupID:  resp.WaID,
		WireID:   wireGroupID(resp.WaID),
		Name:     name,
		Active:   true,
		SyncedAt: utils.Now(),
	}, nil
}

// RemoveMember removes one participant via DELETE /devices/{id}/groups/{gid}/participants/{pid}.
func (a *WassengerAdapter) RemoveMember(ctx context.Context, groupID, contactID string) error {
	endpoint := "/devices/" + url.PathEscape(a.deviceID) +
		"/groups/" + url.PathEscape(groupID) +
		"/participants/" + url.PathEscape(contactID)
	return a.doJSON(ctx, http.MethodDelete, endpoint, nil, nil, nil, false)
}

// CheckContacts verifies numbers via POST /numbers/exists.
func (a *WassengerAdapter) CheckContacts(ctx context.Context, phones []string) (map[string]bool, error) {
	result := make(map[string]bool, len(phones))
	for _, phone := range phones {
		var resp struct {
			Exists bool `json:"exists"`
		}
		payload := map[string]interface{}{"phone": phone}
		if err := a.doJSON(ctx, http.MethodPost, "/numbers/exists", nil, payload, &resp, false); err != nil {
			return nil, err
		}
		result[phone] = resp.Exists
	}
	return result, nil
}

// HealthCheck probes the device status endpoint.
func (a *WassengerAdapter) HealthCheck(ctx context.Context) error {
	return a.doJSON(ctx, http.MethodGet, "/devices/"+url.PathEscape(a.deviceID)+"/health", nil, nil, nil, false)
}

// SignatureHeader returns the webhook signature header for Wassenger.
func (a *WassengerAdapter) SignatureHeader() string { return wassengerSigHeader }

// ValidateWebhookSignature checks the HMAC-SHA256 hex signature over the raw body.
func (a *WassengerAdapter) ValidateWebhookSignature(rawBody []byte, headerSignature, secret string) bool {
	if headerSignature == "" || secret == "" {
		return false
	}
	return utils.VerifyHMACSHA256(rawBody, headerSignature, secret)
}

type wassengerWebhookBody struct {
	Event string `json:"event"`
	Data  struct {
		wassengerMessage
		Ack string `json:"ack"`
	} `json:"data"`
}

// ParseWebhookEvents maps a Wassenger webhook body into normalized events.
// Wassenger delivers a single event per request.
func (a *WassengerAdapter) ParseWebhookEvents(rawBody []byte) ([]model.NormalizedEvent, error) {
	var body wassengerWebhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed wassenger webhook body: %v", apperrors.ErrValidation, err)
	}

	switch body.Event {
	case "message:in:new", "message:out:new":
		msg := wassengerToMessage(body.Data.wassengerMessage)
		return []model.NormalizedEvent{{
			Kind:    model.EventKindMessage,
			EventID: body.Data.WaID,
			ChatID:  body.Data.Chat,
			Message: &msg,
		}}, nil
	case "message:out:ack", "message:out:failed":
		status := normalizeStatus(body.Data.Ack)
		if body.Event == "message:out:failed" {
			status = model.MessageStatusFailed
		}
		return []model.NormalizedEvent{{
			Kind:    model.EventKindMessageStatus,
			EventID: body.Data.WaID + ":" + status,
			Status: &model.StatusUpdate{
				MessageID: body.Data.WaID,
				Status:    status,
				Timestamp: body.Data.DeliveredSec,
			},
		}}, nil
	default:
		// Unknown event kinds are skipped, not failed.
		return nil, nil
	}
}

func wassengerToMessage(m wassengerMessage) model.Message {
	flow := model.MessageFlowIncoming
	if m.Flow == "outbound" {
		flow = model.MessageFlowOutgoing
	}
	status := normalizeStatus(m.Status)

	msgType := m.Type
	if msgType == "" {
		msgType = model.MessageTypeText
	}

	ts := m.CreatedAtSec
	if ts == 0 {
		ts = m.DeliveredSec
	}

	raw, _ := json.Marshal(m)
	return model.Message{
		MessageID:        m.WaID,
		ChatID:           m.Chat,
		FromContactID:    m.FromNumber,
		Body:             m.Body,
		MessageType:      msgType,
		Flow:             flow,
		Status:           status,
		MessageTimestamp: ts,
		SyncedAt:         utils.Now(),
		LastMetadata:     datatypes.JSON(raw),
	}
}
