package httpapi

import "cipherlink/go-backend/pkg/models"

// Wire shapes shared by the server and the client. Byte slices ride as
// base64 strings per encoding/json.

type registerRequest struct {
	AccountID      string `json:"account_id"`
	AuthCredential string `json:"auth_credential"`
}

type loginRequest struct {
	AccountID      string `json:"account_id"`
	AuthCredential string `json:"auth_credential"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type changeCredentialRequest struct {
	AccountID     string `json:"account_id"`
	OldCredential string `json:"old_credential"`
	NewCredential string `json:"new_credential"`
}

type publicKeyRequest struct {
	UserID    string `json:"user_id"`
	PublicKey []byte `json:"public_key"`
}

type publicKeyResponse struct {
	PublicKey []byte `json:"public_key"`
}

type accountKeysRequest struct {
	UserID            string                   `json:"user_id"`
	PublicKey         []byte                   `json:"public_key"`
	WrappedMasterKey  models.WrappedMasterKey  `json:"wrapped_master_key"`
	WrappedPrivateKey models.WrappedPrivateKey `json:"wrapped_private_key"`
}

type accountKeysUploadResponse struct {
	OK          bool `json:"ok"`
	KeyRotation bool `json:"key_rotation"`
}

type accountKeysResponse struct {
	PublicKey         []byte                   `json:"public_key"`
	WrappedMasterKey  models.WrappedMasterKey  `json:"wrapped_master_key"`
	WrappedPrivateKey models.WrappedPrivateKey `json:"wrapped_private_key"`
}

type wrappedMasterKeyRequest struct {
	UserID           string                  `json:"user_id"`
	WrappedMasterKey models.WrappedMasterKey `json:"wrapped_master_key"`
}

type shareKeyRequest struct {
	SenderID               string `json:"sender_id"`
	WrappedConversationKey []byte `json:"wrapped_conversation_key"`
}

type conversationKeyResponse struct {
	RecipientID            string `json:"recipient_id"`
	SenderID               string `json:"sender_id"`
	WrappedConversationKey []byte `json:"wrapped_conversation_key"`
}

type participantsResponse struct {
	Participants []string `json:"participants"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}
