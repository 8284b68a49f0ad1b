package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"cipherlink/go-backend/internal/auth"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/pkg/models"
)

// Client is the typed counterpart of the directory server. It translates
// error statuses back into the same sentinels the service returns so callers
// behave identically in-process and over the wire.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

// NewClientWithHTTP lets tests inject an httptest server's client.
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// SetToken installs the bearer token used on all authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) Register(ctx context.Context, accountID, authCredential string) error {
	return c.do(ctx, http.MethodPost, "/auth/register",
		registerRequest{AccountID: accountID, AuthCredential: authCredential}, nil)
}

func (c *Client) Login(ctx context.Context, accountID, authCredential string) (string, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login",
		loginRequest{AccountID: accountID, AuthCredential: authCredential}, &resp)
	if err != nil {
		return "", err
	}
	c.SetToken(resp.Token)
	return resp.Token, nil
}

func (c *Client) ChangeCredential(ctx context.Context, accountID, oldCredential, newCredential string) error {
	return c.do(ctx, http.MethodPost, "/auth/credential", changeCredentialRequest{
		AccountID:     accountID,
		OldCredential: oldCredential,
		NewCredential: newCredential,
	}, nil)
}

func (c *Client) PublishPublicKey(ctx context.Context, userID string, publicKey []byte) error {
	return c.do(ctx, http.MethodPut, "/identity/public-key",
		publicKeyRequest{UserID: userID, PublicKey: publicKey}, nil)
}

func (c *Client) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	var resp publicKeyResponse
	path := "/identity/" + url.PathEscape(userID) + "/public-key"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.PublicKey, nil
}

func (c *Client) PublishAccountKeys(ctx context.Context, keys models.AccountKeys) (bool, error) {
	var resp accountKeysUploadResponse
	err := c.do(ctx, http.MethodPut, "/identity/keys", accountKeysRequest{
		UserID:            keys.UserID,
		PublicKey:         keys.PublicKey,
		WrappedMasterKey:  keys.WrappedMasterKey,
		WrappedPrivateKey: keys.WrappedPrivateKey,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.KeyRotation, nil
}

func (c *Client) GetAccountKeys(ctx context.Context, userID string) (models.AccountKeys, error) {
	var resp accountKeysResponse
	path := "/identity/" + url.PathEscape(userID) + "/keys"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return models.AccountKeys{}, err
	}
	return models.AccountKeys{
		UserID:            userID,
		PublicKey:         resp.PublicKey,
		WrappedMasterKey:  resp.WrappedMasterKey,
		WrappedPrivateKey: resp.WrappedPrivateKey,
	}, nil
}

func (c *Client) UpdateWrappedMasterKey(ctx context.Context, userID string, record models.WrappedMasterKey) error {
	return c.do(ctx, http.MethodPatch, "/identity/wrapped-master-key",
		wrappedMasterKeyRequest{UserID: userID, WrappedMasterKey: record}, nil)
}

func (c *Client) ShareConversationKey(ctx context.Context, record models.ConversationKeyRecord) error {
	path := "/conversations/" + url.PathEscape(record.ConversationID) + "/keys/" + url.PathEscape(record.RecipientID)
	return c.do(ctx, http.MethodPut, path, shareKeyRequest{
		SenderID:               record.SenderID,
		WrappedConversationKey: record.WrappedKey,
	}, nil)
}

func (c *Client) GetOwnConversationKey(ctx context.Context, conversationID string) (models.ConversationKeyRecord, error) {
	var resp conversationKeyResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/keys/mine"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return models.ConversationKeyRecord{}, err
	}
	return models.ConversationKeyRecord{
		ConversationID: conversationID,
		RecipientID:    resp.RecipientID,
		SenderID:       resp.SenderID,
		WrappedKey:     resp.WrappedConversationKey,
	}, nil
}

func (c *Client) ListConversationKeys(ctx context.Context, conversationID string) ([]models.ConversationKeyRecord, error) {
	var resp []conversationKeyResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/keys"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.ConversationKeyRecord, 0, len(resp))
	for _, rec := range resp {
		out = append(out, models.ConversationKeyRecord{
			ConversationID: conversationID,
			RecipientID:    rec.RecipientID,
			SenderID:       rec.SenderID,
			WrappedKey:     rec.WrappedConversationKey,
		})
	}
	return out, nil
}

func (c *Client) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var resp participantsResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(method, path, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	detail := body.Error
	if detail == "" {
		detail = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %s: %w", method, path, detail, directory.ErrKeyNotFound)
	case http.StatusForbidden:
		return fmt.Errorf("%s %s: %s: %w", method, path, detail, directory.ErrNotAuthorized)
	case http.StatusConflict:
		if path == "/auth/register" {
			return fmt.Errorf("%s %s: %s: %w", method, path, detail, auth.ErrAccountExists)
		}
		return fmt.Errorf("%s %s: %s: %w", method, path, detail, directory.ErrShareConflict)
	case http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %s: %w", method, path, detail, auth.ErrInvalidCredentials)
	default:
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, detail)
	}
}
