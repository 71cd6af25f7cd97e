package sessioncore

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/streamplane/mcpd/sessions"
)

// wireClaims is the payload of the compact JWS handed to clients as their
// session id. The backend session id never travels unsigned.
type wireClaims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	IssuedAt  int64  `json:"iat"`
}

func (m *Manager) mintToken(meta *sessions.SessionMetadata, now time.Time) (string, error) {
	payload, err := json.Marshal(wireClaims{
		SessionID: meta.SessionID,
		UserID:    meta.UserID,
		IssuedAt:  now.Unix(),
	})
	if err != nil {
		return "", errors.Wrap(err, "marshal session claims")
	}
	token, err := m.tokens.Sign(payload)
	if err != nil {
		return "", errors.Wrap(err, "sign session token")
	}
	return token, nil
}

func (m *Manager) parseToken(token string) (sessionID, userID string, err error) {
	payload, _, err := m.tokens.Verify(token)
	if err != nil {
		return "", "", err
	}
	var claims wireClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", "", errors.Wrap(err, "decode session claims")
	}
	if claims.SessionID == "" {
		return "", "", errors.New("session claims missing sid")
	}
	return claims.SessionID, claims.UserID, nil
}
