package services

import (
	"encoding/json"

	"github.com/diaglink/proxy/internal/domain"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/pkg/utils/crypto"
)

// Envelope slot names.
const (
	keySlot  = "0"
	dataSlot = "1"
)

// requestBody shadows the type field so an absent type is not read as 0.
type requestBody struct {
	domain.RequestData
	Type *int `json:"type"`
}

// RequestCodec opens and seals UI request envelopes. The envelope is a
// JSON object whose key slot holds an RSA sealed symmetric key and whose
// data slot holds the AES-GCM sealed request.
type RequestCodec struct {
	rsa    *crypto.RSA
	logger *logger.Logger
}

func NewRequestCodec(rsa *crypto.RSA, log *logger.Logger) *RequestCodec {
	return &RequestCodec{rsa: rsa, logger: log}
}

// Decrypt opens an envelope and resolves its command type into the
// current code space. Any failure yields a *DecodeError and no request.
func (c *RequestCodec) Decrypt(envelope []byte) (*domain.RequestData, error) {
	var slots map[string]any
	if err := json.Unmarshal(envelope, &slots); err != nil {
		return nil, decodeError(ErrMalformedEnvelope, err)
	}
	sealedKey, ok := slots[keySlot].(string)
	if !ok || sealedKey == "" {
		return nil, decodeError(ErrMalformedEnvelope, nil)
	}
	sealedData, ok := slots[dataSlot].(string)
	if !ok || sealedData == "" {
		return nil, decodeError(ErrMalformedEnvelope, nil)
	}

	key, err := c.rsa.Decrypt(sealedKey)
	if err != nil || key == "" {
		return nil, decodeError(ErrKeySlot, err)
	}

	plain, err := crypto.Decrypt(sealedData, key)
	if err != nil {
		return nil, decodeError(ErrDataSlot, err)
	}

	var body requestBody
	if err := json.Unmarshal([]byte(plain), &body); err != nil {
		return nil, decodeError(ErrMalformedRequest, err)
	}
	// A null body unmarshals cleanly into the zero value.
	if body.Type == nil {
		return nil, decodeError(ErrMalformedRequest, nil)
	}
	req := body.RequestData
	req.Type = *body.Type

	code, ok := domain.CommandCodeFromLegacy(req.Type)
	if !ok {
		c.logger.Warnw("request_unknown_command", "type", req.Type, "user", req.User, "app", req.App)
		return nil, decodeError(ErrUnknownCommand, nil)
	}
	req.Type = int(code)

	c.logger.Debugw("request_decrypted", "user", req.User, "app", req.App, "command", code.Name(), "hosts", len(req.Hosts))
	return &req, nil
}

// Encrypt seals req under key, with key itself sealed under the RSA
// public key.
func (c *RequestCodec) Encrypt(req *domain.RequestData, key string) ([]byte, error) {
	sealedKey, err := c.rsa.Encrypt(key)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	sealedData, err := crypto.Encrypt(string(body), key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		keySlot:  sealedKey,
		dataSlot: sealedData,
	})
}
