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
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-gateway/internal/model"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-gateway/pkg/utils"
)

const (
	whapiDefaultBaseURL = "https://gate.whapi.cloud"
	whapiSigHeader      = "X-Webhook-Signature"

	waUserSuffix  = "@s.whatsapp.net"
	waGroupSuffix = "@g.us"
)

// WhapiAdapter implements the Adapter contract against the WHAPI REST dialect
// (bearer token auth, count/offset pagination).
type WhapiAdapter struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewWhapiAdapter creates a WHAPI adapter. An empty baseURL selects the
// production endpoint; tests point it at a local server.
func NewWhapiAdapter(token, baseURL string, client *http.Client) *WhapiAdapter {
	if baseURL == "" {
		baseURL = whapiDefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhapiAdapter{token: token, baseURL: baseURL, client: client}
}

// Kind returns the provider kind.
func (a *WhapiAdapter) Kind() string { return model.ProviderWhapi }

// doJSON issues one request against the WHAPI API and decodes the JSON
// response into out. Status and transport errors are classified into the
// shared taxonomy.
func (a *WhapiAdapter) doJSON(ctx context.Context, method, endpoint string, params url.Values, body, out interface{}, sendOp bool) error {
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
		return fmt.Errorf("%w: failed to build whapi request: %v", apperrors.ErrBadRequest, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
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
		logger.FromContext(ctx).Warn("WHAPI request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
		)
		return errStatus
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: failed to decode whapi response: %v", apperrors.ErrTransient, err)
		}
	}
	return nil
}

type whapiSendResponse struct {
	Sent    bool `json:"sent"`
	Message struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	} `json:"message"`
}

// SendText sends a text message via POST /messages/text.
func (a *WhapiAdapter) SendText(ctx context.Context, to, body string) (*MessageReceipt, error) {
	payload := map[string]interface{}{
		"to":   normalizeRecipient(to),
		"body": body,
	}
	var resp whapiSendResponse
	if err := a.doJSON(ctx, http.MethodPost, "/messages/text", nil, payload, &resp, true); err != nil {
		return nil, err
	}
	if !resp.Sent {
		return nil, fmt.Errorf("%w: whapi reported message not sent", apperrors.ErrTransient)
	}
	return &MessageReceipt{MessageID: resp.Message.ID, Status: model.MessageStatusSent, Timestamp: resp.Message.Timestamp}, nil
}

// SendMedia sends media via POST /messages/media/{type} with a data-URL body.
func (a *WhapiAdapter) SendMedia(ctx context.Context, to string, media []byte, filename, mediaType, caption string) (*MessageReceipt, error) {
	if !validMediaType(mediaType) {
		return nil, fmt.Errorf("%w: unsupported media type %q", apperrors.ErrValidation, mediaType)
	}
	dataURL := fmt.Sprintf("data:%s;name=%s;base64,%s",
		mimeTypeFor(mediaType, filename), filename, base64.StdEncoding.EncodeToString(media))

	params := url.Values{"to": {normalizeRecipient(to)}}
	if caption != "" {
		params.Set("caption", caption)
	}
	payload := map[string]interface{}{
		"media":     dataURL,
		"no_encode": false,
	}
	var resp whapiSendResponse
	if err := a.doJSON(ctx, http.MethodPost, "/messages/media/"+mediaType, params, payload, &resp, true); err != nil {
		return nil, err
	}
	if !resp.Sent {
		return nil, fmt.Errorf("%w: whapi reported media not sent", apperrors.ErrTransient)
	}
	return &MessageReceipt{MessageID: resp.Message.ID, Status: model.MessageStatusSent, Timestamp: resp.Message.Timestamp}, nil
}

type whapiContact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PushName string `json:"pushname"`
}

// FetchContacts pages through GET /contacts with count/offset.
func (a *WhapiAdapter) FetchContacts(ctx context.Context, cursor string, pageSize int) (*ContactPage, error) {
	offset, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"count":  {strconv.Itoa(pageSize)},
		"offset": {strconv.Itoa(offset)},
	}
	var resp struct {
		Contacts []whapiContact `json:"contacts"`
		Total    int            `json:"total"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/contacts", params, nil, &resp, false); err != nil {
		return nil, err
	}

	page := &ContactPage{NextCursor: nextOffsetCursor(offset, len(resp.Contacts), resp.Total, pageSize)}
	now := utils.Now()
	for _, c := range resp.Contacts {
		page.Contacts = append(page.Contacts, model.Contact{
			ContactID:   c.ID,
			PhoneNumber: phoneFromWireID(c.ID),
			DisplayName: c.Name,
			PushName:    c.PushName,
			Active:      true,
			SyncedAt:    now,
		})
	}
	return page, nil
}

type whapiGroup struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Timestamp    int64  `json:"timestamp"`
	Participants []struct {
		ID   string `json:"id"`
		Rank string `json:"rank"`
	} `json:"participants"`
}

// FetchGroups pages through GET /groups. The invite link is fetched per
// group from GET /groups/{id}/invite; a failure there degrades to an empty
// link rather than failing the page.
func (a *WhapiAdapter) FetchGroups(ctx context.Context, cursor string, pageSize int) (*GroupPage, error) {
	offset, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"count":  {strconv.Itoa(pageSize)},
		"offset": {strconv.Itoa(offset)},
	}
	var resp struct {
		Groups []whapiGroup `json:"groups"`
		Total  int          `json:"total"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/groups", params, nil, &resp, false); err != nil {
		return nil, err
	}

	page := &GroupPage{NextCursor: nextOffsetCursor(offset, len(resp.Groups), resp.Total, pageSize)}
	now := utils.Now()
	for _, g := range resp.Groups {
		group := model.Group{
			GroupID:         g.ID,
			WireID:          wireGroupID(g.ID),
			Name:            g.Name,
			Description:     g.Description,
			Active:          true,
			RemoteTimestamp: g.Timestamp,
			SyncedAt:        now,
		}
		if link, linkErr := a.fetchInviteLink(ctx, g.ID); linkErr == nil {
			group.InviteLink = link
		} else {
			logger.FromContext(ctx).Debug("Failed to fetch group invite link",
				zap.String("group_id", g.ID), zap.Error(linkErr))
		}
		page.Groups = append(page.Groups, group)
	}
	return page, nil
}

func (a *WhapiAdapter) fetchInviteLink(ctx context.Context, groupID string) (string, error) {
	var resp struct {
		InviteCode string `json:"invite_code"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/invite", nil, nil, &resp, false); err != nil {
		return "", err
	}
	if resp.InviteCode == "" {
		return "", nil
	}
	return "https://chat.whatsapp.com/" + resp.InviteCode, nil
}

type whapiMessage struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	From      string          `json:"from"`
	FromMe    bool            `json:"from_me"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Text      json.RawMessage `json:"text"`
	Image     json.RawMessage `json:"image"`
	Video     json.RawMessage `json:"video"`
	Document  json.RawMessage `json:"document"`
}

// FetchMessages pages through GET /messages/list, optionally scoped to one chat.
func (a *WhapiAdapter) FetchMessages(ctx context.Context, chatScope, cursor string, pageSize int) (*MessagePage, error) {
	offset, err := parseOffsetCursor(cursor)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"count":  {strconv.Itoa(pageSize)},
		"offset": {strconv.Itoa(offset)},
	}
	if chatScope != "" {
		params.Set("chat_id", chatScope)
	}
	var resp struct {
		Messages []whapiMessage `json:"messages"`
		Total    int            `json:"total"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/messages/list", params, nil, &resp, false); err != nil {
		return nil, err
	}

	page := &MessagePage{NextCursor: nextOffsetCursor(offset, len(resp.Messages), resp.Total, pageSize)}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, whapiToMessage(m))
	}
	return page, nil
}

// FetchGroupMembers reads the participant list from GET /groups/{id}.
func (a *WhapiAdapter) FetchGroupMembers(ctx context.Context, groupID string) ([]model.GroupMember, error) {
	var resp whapiGroup
	if err := a.doJSON(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID), nil, nil, &resp, false); err != nil {
		return nil, err
	}
	now := utils.Now()
	members := make([]model.GroupMember, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		members = append(members, model.GroupMember{
			GroupID:   groupID,
			ContactID: p.ID,
			IsAdmin:   p.Rank == "admin" || p.Rank == "creator",
			Active:    true,
			SyncedAt:  now,
		})
	}
	return members, nil
}

// CreateGroup creates a group via POST /groups.
func (a *WhapiAdapter) CreateGroup(ctx context.Context, name string, participants []string) (*model.Group, error) {
	normalized := make([]string, 0, len(participants))
	for _, p := range participants {
		normalized = append(normalized, normalizeRecipient(p))
	}
	payload := map[string]interface{}{
		"subject":      name,
		"participants": normalized,
	}
	var resp struct {
		GroupID string     `json:"group_id"`
		Group   whapiGroup `json:"group"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/groups", nil, payload, &resp, false); err != nil {
		return nil, err
	}
	groupID := resp.GroupID
	if groupID == "" {
		groupID = resp.Group.ID
	}
	if groupID == "" {
		return nil, fmt.Errorf("%w: whapi returned no group id", apperrors.ErrTransient)
	}
	return &model.Group{
		GroupID:  groupID,
		WireID:   wireGroupID(groupID),
		Name:     name,
		Active:   true,
		SyncedAt: utils.Now(),
	}, nil
}

// RemoveMember removes a participant via DELETE /groups/{id}/participants.
func (a *WhapiAdapter) RemoveMember(ctx context.Context, groupID, contactID string) error {
	payload := map[string]interface{}{
		"participants": []string{contactID},
	}
	return a.doJSON(ctx, http.MethodDelete, "/groups/"+url.PathEscape(groupID)+"/participants", nil, payload, nil, false)
}

// CheckContacts verifies numbers via POST /contacts/check.
func (a *WhapiAdapter) CheckContacts(ctx context.Context, phones []string) (map[string]bool, error) {
	payload := map[string]interface{}{
		"contacts": phones,
		"blocking": "wait",
	}
	var resp struct {
		Contacts []struct {
			Input  string `json:"input"`
			Status string `json:"status"`
		} `json:"contacts"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/contacts/check", nil, payload, &resp, false); err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(resp.Contacts))
	for _, c := range resp.Contacts {
		result[c.Input] = c.Status == "valid"
	}
	return result, nil
}

// HealthCheck probes GET /health.
func (a *WhapiAdapter) HealthCheck(ctx context.Context) error {
	return a.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil, false)
}

// SignatureHeader returns the webhook signature header for WHAPI.
func (a *WhapiAdapter) SignatureHeader() string { return whapiSigHeader }

// ValidateWebhookSignature checks the HMAC-SHA256 hex signature over the raw body.
func (a *WhapiAdapter) ValidateWebhookSignature(rawBody []byte, headerSignature, secret string) bool {
	if headerSignature == "" || secret == "" {
		return false
	}
	return utils.VerifyHMACSHA256(rawBody, headerSignature, secret)
}

type whapiWebhookBody struct {
	ChannelID string         `json:"channel_id"`
	Messages  []whapiMessage `json:"messages"`
	Statuses  []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	} `json:"statuses"`
	Contacts []whapiContact `json:"contacts"`
	Groups   []whapiGroup   `json:"groups"`
}

// ParseWebhookEvents maps a WHAPI webhook body into normalized events.
func (a *WhapiAdapter) ParseWebhookEvents(rawBody []byte) ([]model.NormalizedEvent, error) {
	var body whapiWebhookBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed whapi webhook body: %v", apperrors.ErrValidation, err)
	}

	var events []model.NormalizedEvent
	for _, m := range body.Messages {
		msg := whapiToMessage(m)
		events = append(events, model.NormalizedEvent{
			Kind:    model.EventKindMessage,
			EventID: m.ID,
			ChatID:  m.ChatID,
			Message: &msg,
		})
	}
	for _, s := range body.Statuses {
		events = append(events, model.NormalizedEvent{
			Kind:    model.EventKindMessageStatus,
			EventID: s.ID + ":" + s.Status,
			Status: &model.StatusUpdate{
				MessageID: s.ID,
				Status:    normalizeStatus(s.Status),
				Timestamp: s.Timestamp,
			},
		})
	}
	now := utils.Now()
	for _, c := range body.Contacts {
		events = append(events, model.NormalizedEvent{
			Kind:    model.EventKindContact,
			EventID: "contact:" + c.ID,
			Contact: &model.Contact{
				ContactID:   c.ID,
				PhoneNumber: phoneFromWireID(c.ID),
				DisplayName: c.Name,
				PushName:    c.PushName,
				Active:      true,
				SyncedAt:    now,
			},
		})
	}
	for _, g := range body.Groups {
		events = append(events, model.NormalizedEvent{
			Kind:    model.EventKindGroup,
			EventID: "group:" + g.ID,
			Group: &model.Group{
				GroupID:         g.ID,
				WireID:          wireGroupID(g.ID),
				Name:            g.Name,
				Description:     g.Description,
				Active:          true,
				RemoteTimestamp: g.Timestamp,
				SyncedAt:        now,
			},
		})
	}
	return events, nil
}

// whapiToMessage converts a WHAPI message payload into the shared shape,
// extracting a text body per content type as the original webhook flow does.
func whapiToMessage(m whapiMessage) model.Message {
	body := ""
	switch m.Type {
	case model.MessageTypeText:
		body = captionField(m.Text, "body")
	case model.MessageTypeImage:
		body = captionOr(m.Image, "Image")
	case model.MessageTypeVideo:
		body = captionOr(m.Video, "Video")
	case model.MessageTypeAudio:
		body = "Audio message"
	case model.MessageTypeDocument:
		if name := captionField(m.Document, "filename"); name != "" {
			body = "Document: " + name
		} else {
			body = "Document"
		}
	default:
		body = m.Type + " message"
	}

	flow := model.MessageFlowIncoming
	status := model.MessageStatusDelivered
	if m.FromMe {
		flow = model.MessageFlowOutgoing
		status = model.MessageStatusSent
	}

	raw, _ := json.Marshal(m)
	return model.Message{
		MessageID:        m.ID,
		ChatID:           m.ChatID,
		FromContactID:    m.From,
		Body:             body,
		MessageType:      m.Type,
		Flow:             flow,
		Status:           status,
		MessageTimestamp: m.Timestamp,
		SyncedAt:         utils.Now(),
		LastMetadata:     datatypes.JSON(raw),
	}
}

func captionField(raw json.RawMessage, field string) string {
	if len(raw) == 0 {
		return ""
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return strings.Trim(string(raw), `"`)
	}
	if v, ok := obj[field].(string); ok {
		return v
	}
	return ""
}

func captionOr(raw json.RawMessage, fallback string) string {
	if v := captionField(raw, "caption"); v != "" {
		return v
	}
	return fallback
}

func normalizeStatus(s string) string {
	switch s {
	case "sent", "delivered", "read", "failed", "pending":
		return s
	case "played":
		return model.MessageStatusRead
	default:
		return model.MessageStatusDelivered
	}
}

func normalizeRecipient(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return to + waUserSuffix
}

func phoneFromWireID(id string) string {
	if i := strings.Index(id, "@"); i > 0 {
		return id[:i]
	}
	return id
}

func wireGroupID(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return id + waGroupSuffix
}

func validMediaType(mediaType string) bool {
	switch mediaType {
	case model.MessageTypeImage, model.MessageTypeVideo, model.MessageTypeAudio, model.MessageTypeDocument:
		return true
	}
	return false
}

// mimeTypeFor resolves a best-effort MIME type from the media type and the
// file extension.
func mimeTypeFor(mediaType, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	table := map[string]map[string]string{
		model.MessageTypeImage: {
			".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg",
			".gif": "image/gif", ".webp": "image/webp", "": "image/jpeg",
		},
		model.MessageTypeVideo: {
			".mp4": "video/mp4", ".avi": "video/avi", ".mov": "video/quicktime", "": "video/mp4",
		},
		model.MessageTypeAudio: {
			".mp3": "audio/mpeg", ".wav": "audio/wav", ".ogg": "audio/ogg", "": "audio/mpeg",
		},
		model.MessageTypeDocument: {
			".pdf": "application/pdf", ".doc": "application/msword",
			".xls": "application/vnd.ms-excel", "": "application/octet-stream",
		},
	}
	if byExt, ok := table[mediaType]; ok {
		if mime, ok := byExt[ext]; ok {
			return mime
		}
		return byExt[""]
	}
	return "application/octet-stream"
}

// parseOffsetCursor decodes an offset-based cursor. Empty means start.
func parseOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: malformed cursor %q", apperrors.ErrValidation, cursor)
	}
	return offset, nil
}

// nextOffsetCursor computes the cursor for the following page, or empty when
// the provider reported no further pages.
func nextOffsetCursor(offset, returned, total, pageSize int) string {
	if returned == 0 || returned < pageSize {
		return ""
	}
	next := offset + returned
	if total > 0 && next >= total {
		return ""
	}
	return strconv.Itoa(next)
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
