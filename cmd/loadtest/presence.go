package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"docsync/internal/models"
)

// PresenceChecker compares the number of simulated participants with what
// the server reports for the document.
type PresenceChecker struct {
	ServerURL  string
	DocumentID string
	Token      string
	Client     *http.Client
}

func NewPresenceChecker(serverURL, documentID, token string) *PresenceChecker {
	return &PresenceChecker{
		ServerURL:  serverURL,
		DocumentID: documentID,
		Token:      token,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Check fetches the presence list and reports whether it has expected entries.
func (p *PresenceChecker) Check(expected int) (bool, int, error) {
	endpoint := fmt.Sprintf("%s/api/documents/%s/presence", p.ServerURL, url.PathEscape(p.DocumentID))
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)

	resp, err := p.Client.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, 0, fmt.Errorf("presence endpoint returned %s", resp.Status)
	}

	var body models.ConnectedUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, 0, fmt.Errorf("decode presence: %w", err)
	}
	return body.Count == expected, body.Count, nil
}
