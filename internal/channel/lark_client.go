package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	tokenExpiryBuffer = 3 * time.Minute
	tokenEndpoint     = "/open-apis/auth/v3/tenant_access_token/internal"
	messagesEndpoint  = "/open-apis/im/v1/messages"
)

// LarkClient is a lightweight Lark/Feishu API client on net/http. It manages
// tenant_access_token refresh and the message-creation call.
type LarkClient struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewLarkClient creates a client for the given app credentials and API base
// URL (open.larksuite.com or open.feishu.cn).
func NewLarkClient(appID, appSecret, baseURL string) *LarkClient {
	return &LarkClient{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Token management ---

func (c *LarkClient) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("lark token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("lark token decode: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("lark token error: code=%d msg=%s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

func (c *LarkClient) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// isTokenError reports whether the error code means an expired or invalid
// tenant token.
func isTokenError(code int) bool {
	return code == 99991663 || code == 99991664 || code == 99991671
}

// --- API calls ---

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doJSON performs an authenticated JSON API call, retrying once after a
// token refresh when the token was rejected.
func (c *LarkClient) doJSON(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	resp, err := c.doJSONOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if isTokenError(resp.Code) {
		c.clearToken()
		return c.doJSONOnce(ctx, method, path, body)
	}
	return resp, nil
}

func (c *LarkClient) doJSONOnce(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lark api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("lark api decode: %w", err)
	}
	return &result, nil
}

// SendMessageResp carries the id of the created message.
type SendMessageResp struct {
	MessageID string `json:"message_id"`
}

// SendMessage creates a message in the chat identified by receiveID.
// content is the JSON content envelope for msgType (for "text":
// `{"text":"..."}`).
func (c *LarkClient) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (*SendMessageResp, error) {
	path := messagesEndpoint + "?receive_id_type=" + receiveIDType
	body := map[string]string{
		"receive_id": receiveID,
		"msg_type":   msgType,
		"content":    content,
	}
	resp, err := c.doJSON(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("send message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	var data SendMessageResp
	json.Unmarshal(resp.Data, &data)
	return &data, nil
}
