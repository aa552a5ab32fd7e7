package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lawlink/consult-signaling/internal/room"
)

const httpClientTimeout = 10 * time.Second

// HTTPEntitlementChecker asks the booking service whether a user may join a
// consultation and in which role.
type HTTPEntitlementChecker struct {
	base   string
	client *http.Client
}

func NewHTTPEntitlementChecker(baseURL string) *HTTPEntitlementChecker {
	return &HTTPEntitlementChecker{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: httpClientTimeout},
	}
}

type entitlementResponse struct {
	Allowed           bool   `json:"allowed"`
	Role              string `json:"role"`
	CounterpartUserID string `json:"counterpartyUserId"`
}

func (c *HTTPEntitlementChecker) Check(ctx context.Context, consultationID, userID string) (room.Entitlement, error) {
	u := fmt.Sprintf("%s/consultations/%s/entitlements/%s",
		c.base, url.PathEscape(consultationID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return room.Entitlement{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return room.Entitlement{}, fmt.Errorf("entitlement check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body entitlementResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
			return room.Entitlement{}, fmt.Errorf("decode entitlement response: %w", err)
		}
		return room.Entitlement{
			Allowed:           body.Allowed,
			Role:              room.Role(body.Role),
			CounterpartUserID: body.CounterpartUserID,
		}, nil
	case http.StatusNotFound, http.StatusForbidden:
		return room.Entitlement{}, nil
	default:
		return room.Entitlement{}, fmt.Errorf("entitlement check: unexpected status %d", resp.StatusCode)
	}
}

// HTTPRecordingService starts and stops the compliance recorder through the
// media pipeline's control API.
type HTTPRecordingService struct {
	base   string
	client *http.Client
}

func NewHTTPRecordingService(baseURL string) *HTTPRecordingService {
	return &HTTPRecordingService{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: httpClientTimeout},
	}
}

func (s *HTTPRecordingService) Start(ctx context.Context, consultationID string) error {
	return s.post(ctx, consultationID, "start")
}

func (s *HTTPRecordingService) Stop(ctx context.Context, consultationID string) error {
	return s.post(ctx, consultationID, "stop")
}

func (s *HTTPRecordingService) post(ctx context.Context, consultationID, action string) error {
	u := fmt.Sprintf("%s/recordings/%s/%s", s.base, url.PathEscape(consultationID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("recording %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("recording %s: unexpected status %d", action, resp.StatusCode)
	}
	return nil
}
