package models

// User is created on first successful wallet authentication and never deleted.
type User struct {
	UserID        string `json:"userId"`
	PublicKey     string `json:"publicKey"`
	PrivateKey    string `json:"privateKey,omitempty"`
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username"`
	CreatedAt     int64  `json:"createdAt"`
}

// Public returns a copy safe to hand to clients (no private key material).
func (u User) Public() User {
	u.PrivateKey = ""
	return u
}

// Session binds an opaque bearer token to a user. It is the sole capability
// for every authorized operation.
type Session struct {
	SessionID     string `json:"sessionId"`
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	CreatedAt     int64  `json:"createdAt"`
}

// Group is a named authorization scope. The creator's public key is always
// authorized even when absent from Members.
type Group struct {
	GroupID   string   `json:"groupId"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy"`
	CreatedAt int64    `json:"createdAt"`
}

// EncryptionData is opaque enrichment supplied by the external chain
// collaborator. Nil when the collaborator was unreachable or disabled.
type EncryptionData struct {
	IsEncrypted  bool   `json:"isEncrypted"`
	SecretHash   string `json:"secretHash,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	FromContract bool   `json:"fromContract,omitempty"`
}

// Message is a group-scoped message. Timestamps are unix milliseconds.
// Once Destroyed flips to true the content is a fixed tombstone and neither
// field ever changes again.
type Message struct {
	ID                 string           `json:"id"`
	GroupID            string           `json:"groupId"`
	Content            string           `json:"content"`
	Sender             string           `json:"sender"`
	SenderUsername     string           `json:"senderUsername,omitempty"`
	Timestamp          int64            `json:"timestamp"`
	SelfDestruct       bool             `json:"selfDestruct"`
	TimedDestruct      bool             `json:"timedDestruct"`
	DeleteAfterSeconds int              `json:"deleteAfterSeconds"`
	ReadBy             []string         `json:"readBy"`
	ReadTimestamps     map[string]int64 `json:"readTimestamps"`
	Destroyed          bool             `json:"destroyed"`
	EncryptionData     *EncryptionData  `json:"encryptionData"`
}

// ReadResult reports the outcome of marking a message read.
type ReadResult struct {
	MessageID string `json:"messageId"`
	ReadTime  int64  `json:"readTime"`
	// AlreadyRead is true when the reader had marked this message before;
	// ReadTime is then the original timestamp, unchanged.
	AlreadyRead bool `json:"-"`
}
