package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/storefront/internal/apperror"
	"github.com/sakif/storefront/internal/model"
)

// webAppDataKey is the fixed HMAC key Telegram uses to derive the per-bot
// secret for Mini-App initData.
const webAppDataKey = "WebAppData"

// DefaultMaxAuthAge is how old an initData auth_date may be before the
// payload is treated as replayed.
const DefaultMaxAuthAge = 5 * time.Minute

// InitDataValidator verifies Telegram Mini-App initData payloads.
//
// The check is the two-stage HMAC chain Telegram documents:
//
//	secret   = HMAC_SHA256(key="WebAppData", msg=botToken)
//	expected = hex(HMAC_SHA256(key=secret, msg=checkString))
//
// where checkString is every field except "hash", sorted by key and joined
// as "key=value" lines. Validation is a pure function of the payload, the
// bot token and the injected clock.
type InitDataValidator struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewInitDataValidator derives the first-stage key once so each request only
// pays for the second HMAC.
func NewInitDataValidator(botToken string, maxAge time.Duration) (*InitDataValidator, error) {
	if botToken == "" {
		return nil, errors.New("auth: bot token is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("auth: max auth age must be positive, got %s", maxAge)
	}

	mac := hmac.New(sha256.New, []byte(webAppDataKey))
	mac.Write([]byte(botToken))

	return &InitDataValidator{
		secret: mac.Sum(nil),
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

// WithClock returns a copy of the validator that reads time from now.
func (v *InitDataValidator) WithClock(now func() time.Time) *InitDataValidator {
	cp := *v
	cp.now = now
	return &cp
}

// telegramUser is the strict shape of the "user" field. Unknown keys such as
// language_code or is_premium are ignored; wrong types fail the decode.
type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
}

// Validate parses a raw URL-encoded initData string and verifies it.
func (v *InitDataValidator) Validate(initData string) (*model.ExternalIdentity, error) {
	if strings.TrimSpace(initData) == "" {
		return nil, apperror.MissingField("initData")
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, apperror.ValidationFailed("initData", "initData is not a valid URL-encoded string")
	}
	return v.ValidateValues(values)
}

// ValidateValues verifies an already-parsed payload.
//
// Checks run in a fixed order: required fields, signature, freshness, user
// decode. A payload that fails the signature is never inspected further.
func (v *InitDataValidator) ValidateValues(values url.Values) (*model.ExternalIdentity, error) {
	for key, vals := range values {
		if len(vals) > 1 {
			return nil, apperror.ValidationFailed(key, fmt.Sprintf("field %q appears more than once", key))
		}
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, apperror.MissingField("hash")
	}
	if values.Get("auth_date") == "" {
		return nil, apperror.MissingField("auth_date")
	}
	if values.Get("user") == "" {
		return nil, apperror.MissingField("user")
	}

	submitted, err := hex.DecodeString(strings.ToLower(hash))
	if err != nil {
		return nil, apperror.InvalidSignature()
	}
	if !hmac.Equal(submitted, v.sign(CheckString(values))) {
		return nil, apperror.InvalidSignature()
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, apperror.ValidationFailed("auth_date", "auth_date must be unix seconds")
	}
	authDate := time.Unix(authUnix, 0)
	age := v.now().Sub(authDate)
	if age > v.maxAge || -age > v.maxAge {
		return nil, apperror.Expired("auth_date")
	}

	user, err := decodeUser(values.Get("user"))
	if err != nil {
		return nil, err
	}

	return &model.ExternalIdentity{
		TelegramID: user.ID,
		FullName:   strings.TrimSpace(user.FirstName + " " + user.LastName),
		Username:   user.Username,
		AvatarURL:  user.PhotoURL,
		AuthDate:   authDate,
	}, nil
}

// Sign computes the lowercase hex signature for values. The "hash" key, if
// present, is ignored. Exposed for tests and local tooling that mint initData.
func (v *InitDataValidator) Sign(values url.Values) string {
	return hex.EncodeToString(v.sign(CheckString(values)))
}

func (v *InitDataValidator) sign(checkString string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(checkString))
	return mac.Sum(nil)
}

// CheckString renders the canonical data-check-string: all keys but "hash",
// sorted in byte order, as "key=value" joined by '\n'.
func CheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values.Get(k))
	}
	return b.String()
}

func decodeUser(raw string) (*telegramUser, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))

	var u telegramUser
	if err := dec.Decode(&u); err != nil {
		return nil, apperror.ValidationFailed("user", "user must be a JSON object with typed fields")
	}
	if dec.More() {
		return nil, apperror.ValidationFailed("user", "user must contain a single JSON object")
	}
	if u.ID <= 0 {
		return nil, apperror.MissingField("user.id")
	}
	if strings.TrimSpace(u.FirstName) == "" {
		return nil, apperror.MissingField("user.first_name")
	}
	return &u, nil
}
