// Package chain talks to the optional blockchain encryption collaborator.
// The collaborator is best-effort enrichment only: every failure, timeout or
// absence degrades to "no enrichment" and is never surfaced to callers as an
// error the core acts on. The core behaves identically whether or not a
// chain backend is reachable.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"

	"github.com/emberchat/ember/internal/models"
)

// Collaborator is the capability interface the core works against.
type Collaborator interface {
	// Enabled reports whether a chain backend is configured at all.
	Enabled() bool
	// Encrypt relays a message payload through the chain backend and
	// returns the resulting encryption metadata, or nil when unavailable.
	Encrypt(ctx context.Context, senderPublicKey, recipientPublicKey, content string) *models.EncryptionData
	// FetchMessages returns externally stored messages addressed to the
	// user, already shaped as core messages, or nil when unavailable.
	FetchMessages(ctx context.Context, userPublicKey string) []models.Message
}

// Disabled is the collaborator used when no chain backend is configured.
func Disabled() Collaborator { return disabled{} }

type disabled struct{}

func (disabled) Enabled() bool { return false }
func (disabled) Encrypt(context.Context, string, string, string) *models.EncryptionData {
	return nil
}
func (disabled) FetchMessages(context.Context, string) []models.Message { return nil }

// Client is an HTTP collaborator. Every call is gated by the configured
// timeout so an unreachable backend never blocks message handling beyond a
// small bounded window.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Enabled() bool { return true }

type encryptRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type encryptResponse struct {
	Success    bool   `json:"success"`
	SecretHash string `json:"secretHash"`
	TxHash     string `json:"txHash"`
}

func (c *Client) Encrypt(ctx context.Context, senderPublicKey, recipientPublicKey, content string) *models.EncryptionData {
	body, err := json.Marshal(encryptRequest{
		Sender:    senderPublicKey,
		Recipient: recipientPublicKey,
		Content:   content,
	})
	if err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/encrypt", bytes.NewReader(body))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	var res encryptResponse
	if !c.do(req, &res) || !res.Success {
		return nil
	}
	return &models.EncryptionData{
		IsEncrypted: true,
		SecretHash:  res.SecretHash,
		TxHash:      res.TxHash,
	}
}

type externalMessage struct {
	Sender     string `json:"sender"`
	SecretHash string `json:"secretHash"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"` // unix seconds, contract convention
}

type messagesResponse struct {
	Success  bool              `json:"success"`
	Messages []externalMessage `json:"messages"`
}

func (c *Client) FetchMessages(ctx context.Context, userPublicKey string) []models.Message {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/messages/"+recipientHash(userPublicKey), nil)
	if err != nil {
		return nil
	}

	var res messagesResponse
	if !c.do(req, &res) || !res.Success {
		return nil
	}

	out := make([]models.Message, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, models.Message{
			ID:             synthesizeID(m.SecretHash),
			Content:        m.Content,
			Sender:         m.Sender,
			SenderUsername: "External user",
			Timestamp:      m.Timestamp * 1000,
			ReadBy:         []string{},
			ReadTimestamps: map[string]int64{},
			EncryptionData: &models.EncryptionData{
				IsEncrypted:  true,
				FromContract: true,
				SecretHash:   m.SecretHash,
			},
		})
	}
	return out
}

// do executes a request and decodes the JSON body. Any failure is logged at
// debug level and reported as "no result".
func (c *Client) do(req *http.Request, out interface{}) bool {
	resp, err := c.http.Do(req)
	if err != nil {
		logrus.WithError(err).Debug("chain collaborator unreachable")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.WithField("status", resp.StatusCode).Debug("chain collaborator error")
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		logrus.WithError(err).Debug("chain collaborator bad response")
		return false
	}
	return true
}

// synthesizeID derives a stable message id from the proof hash.
func synthesizeID(secretHash string) string {
	if len(secretHash) > 8 {
		secretHash = secretHash[:8]
	}
	return "ext-" + secretHash
}

// recipientHash is the keccak256 hex of a user's public key, the addressing
// scheme the message contract indexes by.
func recipientHash(publicKey string) string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprint(h, publicKey)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
