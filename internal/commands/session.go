package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ptchat/internal/api"
	"ptchat/internal/config"
	"ptchat/internal/identity"
	"ptchat/internal/models"
)

// IssueSession asks the running server's admin API for a session token.
// spec is "tenant/user/role", e.g. "gym1/marco/coach".
func IssueSession(spec, displayName string, cfg *config.Config) error {
	parts := strings.Split(spec, "/")
	if len(parts) != 3 {
		return fmt.Errorf("session must be tenant/user/role, got %q", spec)
	}

	reqBody, err := json.Marshal(api.IssueSessionRequest{
		TenantID:    parts[0],
		UserID:      parts[1],
		Role:        models.Role(parts[2]),
		DisplayName: displayName,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/sessions", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue session (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result identity.Session
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nSession Issued!\n")
	fmt.Printf("User:       %s/%s (%s)\n", result.Identity.TenantID, result.Identity.UserID, result.Identity.Role)
	fmt.Printf("Expires:    %s\n", time.Unix(result.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Printf("Token:      %s\n\n", result.Token)
	fmt.Printf("Connect with: %s/api/ws?token=<token>\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	return nil
}
