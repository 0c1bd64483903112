package rolesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guildgate/guildgate/internal/pkg/env"
)

// RoleAPI is the chat platform's role management surface. The worker only
// ever needs the current role set and single add/remove operations; batching
// and rate limiting are the client's problem.
type RoleAPI interface {
	CurrentRoleIDs(ctx context.Context, guildID, userID string) ([]string, error)
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// RESTRoleAPI talks to the platform's HTTP API with a bot token.
type RESTRoleAPI struct {
	BaseURL  string
	BotToken string

	HTTPClient *http.Client
}

// NewRESTRoleAPIFromEnv builds the client from ROLE_API_* settings.
func NewRESTRoleAPIFromEnv() *RESTRoleAPI {
	return &RESTRoleAPI{
		BaseURL:  strings.TrimRight(strings.TrimSpace(env.GetEnv("ROLE_API_BASE_URL", "")), "/"),
		BotToken: strings.TrimSpace(env.GetEnv("ROLE_API_BOT_TOKEN", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *RESTRoleAPI) memberURL(guildID, userID string) string {
	return fmt.Sprintf("%s/guilds/%s/members/%s", c.BaseURL, url.PathEscape(guildID), url.PathEscape(userID))
}

func (c *RESTRoleAPI) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	if c.BaseURL == "" || c.BotToken == "" {
		return nil, errors.New("ROLE_API_BASE_URL/ROLE_API_BOT_TOKEN are not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.BotToken)
	req.Header.Set("Accept", "application/json")
	return c.HTTPClient.Do(req)
}

func (c *RESTRoleAPI) CurrentRoleIDs(ctx context.Context, guildID, userID string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.memberURL(guildID, userID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusNotFound {
		// Not a member anymore; nothing to manage.
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("member lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw struct {
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return raw.Roles, nil
}

func (c *RESTRoleAPI) AddRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.roleOp(ctx, http.MethodPut, guildID, userID, roleID)
}

func (c *RESTRoleAPI) RemoveRole(ctx context.Context, guildID, userID, roleID string) error {
	return c.roleOp(ctx, http.MethodDelete, guildID, userID, roleID)
}

func (c *RESTRoleAPI) roleOp(ctx context.Context, method, guildID, userID, roleID string) error {
	resp, err := c.do(ctx, method, c.memberURL(guildID, userID)+"/roles/"+url.PathEscape(roleID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("role %s %s failed: status=%d body=%s", method, roleID, resp.StatusCode, string(body))
	}
	return nil
}
