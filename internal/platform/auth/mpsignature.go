package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureMissing   = errors.New("auth: signature header missing")
	ErrSignatureMalformed = errors.New("auth: signature header malformed")
	ErrSignatureMismatch  = errors.New("auth: signature mismatch")
	ErrSignatureExpired   = errors.New("auth: signature timestamp outside tolerance")
)

// MercadoPagoSignature verifies the x-signature header sent with Mercado Pago notifications.
// The signed manifest is "id:{data.id};request-id:{x-request-id};ts:{ts};".
type MercadoPagoSignature struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type SignatureOption func(*MercadoPagoSignature)

// WithSignatureTolerance rejects timestamps further than d from now. Zero disables the check.
func WithSignatureTolerance(d time.Duration) SignatureOption {
	return func(s *MercadoPagoSignature) { s.tolerance = d }
}

func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(s *MercadoPagoSignature) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMercadoPagoSignature(secret string, opts ...SignatureOption) *MercadoPagoSignature {
	s := &MercadoPagoSignature{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enabled reports whether a secret is configured. Without one every notification is accepted.
func (s *MercadoPagoSignature) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

func (s *MercadoPagoSignature) Verify(header, requestID, dataID string) error {
	if !s.Enabled() {
		return nil
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMissing
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(name) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return ErrSignatureMalformed
	}
	given, err := hex.DecodeString(v1)
	if err != nil {
		return ErrSignatureMalformed
	}

	if s.tolerance > 0 {
		issued, err := parseSignatureTime(ts)
		if err != nil {
			return ErrSignatureMalformed
		}
		skew := s.now().Sub(issued)
		if skew < 0 {
			skew = -skew
		}
		if skew > s.tolerance {
			return ErrSignatureExpired
		}
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(signatureManifest(dataID, requestID, ts)))
	if !hmac.Equal(mac.Sum(nil), given) {
		return ErrSignatureMismatch
	}
	return nil
}

func signatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID = strings.ToLower(strings.TrimSpace(dataID)); dataID != "" {
		b.WriteString("id:" + dataID + ";")
	}
	if requestID = strings.TrimSpace(requestID); requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

// parseSignatureTime accepts seconds or milliseconds since the epoch.
func parseSignatureTime(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
