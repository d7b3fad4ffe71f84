package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/haasonsaas/wardlink/internal/api"
	"github.com/haasonsaas/wardlink/pkg/models"
)

// Service is the server side of the inbox.
type Service interface {
	UnreadCount(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]models.Notification, error)
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
	UpdateSettings(ctx context.Context, settings models.NotificationSettings) error
}

// ListResponse is the body of GET /notifications.
type ListResponse struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
}

// CountResponse is the body of GET /notifications/unread-count.
type CountResponse struct {
	Count int `json:"count"`
}

// HTTPService implements Service over the REST API. Token supplies the
// current session token for each call.
type HTTPService struct {
	api   *api.Client
	token func() string
}

// NewHTTPService wraps an api.Client.
func NewHTTPService(c *api.Client, token func() string) *HTTPService {
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPService{api: c, token: token}
}

func (s *HTTPService) UnreadCount(ctx context.Context) (int, error) {
	var res CountResponse
	if err := s.api.Do(ctx, http.MethodGet, "/notifications/unread-count", s.token(), nil, &res); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return res.Count, nil
}

func (s *HTTPService) List(ctx context.Context, limit int) ([]models.Notification, error) {
	path := "/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var res ListResponse
	if err := s.api.Do(ctx, http.MethodGet, path, s.token(), nil, &res); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	for i := range res.Notifications {
		res.Notifications[i].Category = models.NormalizeCategory(string(res.Notifications[i].Category))
	}
	return res.Notifications, nil
}

func (s *HTTPService) MarkAsRead(ctx context.Context, id string) error {
	path := "/notifications/" + url.PathEscape(id) + "/read"
	if err := s.api.Do(ctx, http.MethodPut, path, s.token(), nil, nil); err != nil {
		return fmt.Errorf("mark %s read: %w", id, err)
	}
	return nil
}

func (s *HTTPService) MarkAllAsRead(ctx context.Context) error {
	if err := s.api.Do(ctx, http.MethodPut, "/notifications/read-all", s.token(), nil, nil); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

func (s *HTTPService) Delete(ctx context.Context, id string) error {
	if err := s.api.Do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), s.token(), nil, nil); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *HTTPService) UpdateSettings(ctx context.Context, settings models.NotificationSettings) error {
	if err := s.api.Do(ctx, http.MethodPut, "/notifications/settings", s.token(), settings, nil); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
