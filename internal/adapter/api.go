package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

const apiRequestTimeout = 30 * time.Second

// deviceTimeLayouts are the wall-clock formats seen across vendor payloads.
// Values are device-local time; no offset is applied here.
var deviceTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func parseDeviceTime(s string) (time.Time, error) {
	for _, layout := range deviceTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			// Drop any offset the vendor attached; the descriptor's declared
			// offset is authoritative.
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// API fetches attendance logs over HTTP from Hikvision, Suprema or
// generic-REST devices. The transport is shared; request shape and response
// schema vary per vendor.
type API struct {
	desc       models.DeviceDescriptor
	httpClient *http.Client
	log        *zap.Logger
}

func newAPI(desc models.DeviceDescriptor, log *zap.Logger) *API {
	return &API{
		desc:       desc,
		httpClient: &http.Client{Timeout: apiRequestTimeout},
		log:        log,
	}
}

// do issues one request with the descriptor's credentials attached and maps
// transport and status failures onto the adapter error taxonomy.
func (a *API) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := strings.TrimRight(a.desc.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.desc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.desc.APIKey)
	}
	if a.desc.Username != "" {
		req.SetBasicAuth(a.desc.Username, a.desc.Password)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{DeviceID: a.desc.ID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{DeviceID: a.desc.ID, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{DeviceID: a.desc.ID, Message: fmt.Sprintf("device rejected credentials (status %d)", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Fetch dispatches on the vendor schema.
func (a *API) Fetch(ctx context.Context, since time.Time) ([]models.RawPunch, error) {
	switch a.desc.Protocol {
	case models.ProtocolHikvision:
		return a.fetchHikvision(ctx, since)
	case models.ProtocolSuprema:
		return a.fetchSuprema(ctx, since)
	default:
		return a.fetchGeneric(ctx, since)
	}
}

// fetchGeneric talks to the plain REST contract: GET /attendance/logs with an
// optional from_date filter.
func (a *API) fetchGeneric(ctx context.Context, since time.Time) ([]models.RawPunch, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("from_date", since.Format("2006-01-02T15:04:05"))
	}
	data, err := a.do(ctx, http.MethodGet, "/attendance/logs", query, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		Logs []struct {
			UserID    string `json:"user_id"`
			Timestamp string `json:"timestamp"`
			Type      string `json:"type"`
			Sequence  int64  `json:"seq"`
		} `json:"logs"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("malformed log response: %w", err)}
	}

	var punches []models.RawPunch
	for _, item := range body.Logs {
		ts, err := parseDeviceTime(item.Timestamp)
		if err != nil {
			return punches, &ProtocolError{DeviceID: a.desc.ID, Err: err}
		}
		punches = append(punches, models.RawPunch{
			DeviceID:     a.desc.ID,
			DeviceUserID: item.UserID,
			Timestamp:    ts,
			Direction:    codeDirection(item.Type),
			Sequence:     item.Sequence,
			Payload:      fmt.Sprintf("type=%s seq=%d", item.Type, item.Sequence),
		})
	}
	return punches, nil
}

// fetchHikvision searches the access-control event log through the ISAPI
// JSON surface.
func (a *API) fetchHikvision(ctx context.Context, since time.Time) ([]models.RawPunch, error) {
	req := map[string]any{
		"AcsEventCond": map[string]any{
			"searchID":             a.desc.ID,
			"major":                5,
			"minor":                75,
			"maxResults":           1000,
			"searchResultPosition": 0,
		},
	}
	if !since.IsZero() {
		req["AcsEventCond"].(map[string]any)["startTime"] = since.Format("2006-01-02T15:04:05")
	}

	query := url.Values{}
	query.Set("format", "json")
	data, err := a.do(ctx, http.MethodPost, "/ISAPI/AccessControl/AcsEvent", query, req)
	if err != nil {
		return nil, err
	}

	var body struct {
		AcsEvent struct {
			InfoList []struct {
				EmployeeNoString string `json:"employeeNoString"`
				Time             string `json:"time"`
				AttendanceStatus string `json:"attendanceStatus"`
				SerialNo         int64  `json:"serialNo"`
			} `json:"InfoList"`
		} `json:"AcsEvent"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("malformed AcsEvent response: %w", err)}
	}

	var punches []models.RawPunch
	for _, item := range body.AcsEvent.InfoList {
		ts, err := parseDeviceTime(item.Time)
		if err != nil {
			return punches, &ProtocolError{DeviceID: a.desc.ID, Err: err}
		}
		var dir models.Direction
		switch item.AttendanceStatus {
		case "checkIn":
			dir = models.DirectionIn
		case "checkOut":
			dir = models.DirectionOut
		default:
			dir = models.DirectionUnknown
		}
		punches = append(punches, models.RawPunch{
			DeviceID:     a.desc.ID,
			DeviceUserID: item.EmployeeNoString,
			Timestamp:    ts,
			Direction:    dir,
			Sequence:     item.SerialNo,
			Payload:      fmt.Sprintf("attendanceStatus=%s serialNo=%d", item.AttendanceStatus, item.SerialNo),
		})
	}
	return punches, nil
}

// fetchSuprema reads the BioStar event collection.
func (a *API) fetchSuprema(ctx context.Context, since time.Time) ([]models.RawPunch, error) {
	query := url.Values{}
	query.Set("limit", "1000")
	if !since.IsZero() {
		query.Set("start_datetime", since.Format("2006-01-02T15:04:05"))
	}
	data, err := a.do(ctx, http.MethodGet, "/api/events", query, nil)
	if err != nil {
		return nil, err
	}

	var body struct {
		EventCollection struct {
			Rows []struct {
				ID       int64  `json:"id"`
				Datetime string `json:"datetime"`
				TNAKey   string `json:"tna_key"`
				User     struct {
					UserID string `json:"user_id"`
				} `json:"user_id"`
			} `json:"rows"`
		} `json:"EventCollection"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("malformed event collection: %w", err)}
	}

	var punches []models.RawPunch
	for _, row := range body.EventCollection.Rows {
		ts, err := parseDeviceTime(row.Datetime)
		if err != nil {
			return punches, &ProtocolError{DeviceID: a.desc.ID, Err: err}
		}
		punches = append(punches, models.RawPunch{
			DeviceID:     a.desc.ID,
			DeviceUserID: row.User.UserID,
			Timestamp:    ts,
			Direction:    codeDirection(row.TNAKey),
			Sequence:     row.ID,
			Payload:      fmt.Sprintf("tna_key=%s id=%d", row.TNAKey, row.ID),
		})
	}
	return punches, nil
}

// codeDirection maps vendor punch codes onto directions. "0"/"in" is a
// check-in, "1"/"out" a check-out, anything else unresolved.
func codeDirection(code string) models.Direction {
	switch strings.ToLower(code) {
	case "0", "in", "checkin", "t1":
		return models.DirectionIn
	case "1", "out", "checkout", "t2":
		return models.DirectionOut
	default:
		return models.DirectionUnknown
	}
}

// ListUsers reads the vendor's user directory.
func (a *API) ListUsers(ctx context.Context) ([]models.DeviceUser, error) {
	switch a.desc.Protocol {
	case models.ProtocolHikvision:
		return a.listUsersHikvision(ctx)
	case models.ProtocolSuprema:
		return a.listUsersSuprema(ctx)
	default:
		return a.listUsersGeneric(ctx)
	}
}

func (a *API) listUsersGeneric(ctx context.Context) ([]models.DeviceUser, error) {
	data, err := a.do(ctx, http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Users []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Card string `json:"card"`
		} `json:"users"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("malformed user response: %w", err)}
	}
	users := make([]models.DeviceUser, 0, len(body.Users))
	for _, u := range body.Users {
		users = append(users, models.DeviceUser{DeviceUserID: u.ID, Name: u.Name, CardNumber: u.Card})
	}
	return users, nil
}

func (a *API) listUsersHikvision(ctx context.Context) ([]models.DeviceUser, error) {
	req := map[string]any{
		"UserInfoSearchCond": map[string]any{
			"searchID":   a.desc.ID,
			"maxResults": 1000,
		},
	}
	query := url.Values{}
	query.Set("format", "json")
	data, err := a.do(ctx, http.MethodPost, "/ISAPI/AccessControl/UserInfo/Search", query, req)
	if err != nil {
		return nil, err
	}
	var body struct {
		UserInfoSearch struct {
			UserInfo []struct {
				EmployeeNo string `json:"employeeNo"`
				Name       string `json:"name"`
			} `json:"UserInfo"`
		} `json:"UserInfoSearch"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("malformed user search: %w", err)}
	}
	users := make([]models.DeviceUser, 0, len(body.UserInfoSearch.UserInfo))
	for _, u := range body.UserInfoSearch.UserInfo {
		users = append(users, models.DeviceUser{DeviceUserID: u.EmployeeNo, Name: u.Name})
	}
	return users, nil
}

func (a *API) listUsersSuprema(ctx context.Context) ([]models.DeviceUser, error) {
	data, err := a.do(ctx, http.MethodGet, "/api/users", nil, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		UserCollection struct {
			Rows []struct {
				UserID string `json:"user_id"`
				Name   string `json:"name"`
			} `json:"rows"`
		} `json:"UserCollection"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ProtocolError{DeviceID: a.desc.ID, Err: fmt.Errorf("malformed user collection: %w", err)}
	}
	users := make([]models.DeviceUser, 0, len(body.UserCollection.Rows))
	for _, u := range body.UserCollection.Rows {
		users = append(users, models.DeviceUser{DeviceUserID: u.UserID, Name: u.Name})
	}
	return users, nil
}

// Probe hits the vendor's cheapest endpoint.
func (a *API) Probe(ctx context.Context) error {
	var err error
	switch a.desc.Protocol {
	case models.ProtocolHikvision:
		_, err = a.do(ctx, http.MethodGet, "/ISAPI/System/status", url.Values{"format": {"json"}}, nil)
	case models.ProtocolSuprema:
		_, err = a.do(ctx, http.MethodGet, "/api/ping", nil, nil)
	default:
		if _, err = a.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
			_, err = a.do(ctx, http.MethodGet, "/", nil, nil)
		}
	}
	return err
}
