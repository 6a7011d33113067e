package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/storefront/internal/apperror"
)

const testBotToken = "BOT:SECRET"

// referenceSign computes the Telegram signature without going through the
// validator, so the tests do not only check the code against itself.
func referenceSign(botToken, checkString string) string {
	first := hmac.New(sha256.New, []byte("WebAppData"))
	first.Write([]byte(botToken))
	second := hmac.New(sha256.New, first.Sum(nil))
	second.Write([]byte(checkString))
	return hex.EncodeToString(second.Sum(nil))
}

func newTestValidator(t *testing.T, now time.Time) *InitDataValidator {
	t.Helper()
	v, err := NewInitDataValidator(testBotToken, 5*time.Minute)
	require.NoError(t, err)
	return v.WithClock(func() time.Time { return now })
}

// signedValues builds a signed payload for authDate with the given user JSON
// and any extra fields.
func signedValues(authDate int64, user string, extra map[string]string) url.Values {
	vals := url.Values{}
	vals.Set("auth_date", strconv.FormatInt(authDate, 10))
	vals.Set("user", user)
	for k, v := range extra {
		vals.Set(k, v)
	}
	vals.Set("hash", referenceSign(testBotToken, CheckString(vals)))
	return vals
}

func TestNewInitDataValidator_RejectsBadConfig(t *testing.T) {
	_, err := NewInitDataValidator("", time.Minute)
	assert.Error(t, err, "empty bot token")

	_, err = NewInitDataValidator(testBotToken, 0)
	assert.Error(t, err, "zero max age")
}

func TestCheckString_SortsAndSkipsHash(t *testing.T) {
	vals := url.Values{}
	vals.Set("user", `{"id":42,"first_name":"A"}`)
	vals.Set("hash", "deadbeef")
	vals.Set("auth_date", "1700000000")
	vals.Set("query_id", "AAE")

	got := CheckString(vals)

	assert.Equal(t, "auth_date=1700000000\nquery_id=AAE\nuser={\"id\":42,\"first_name\":\"A\"}", got)
}

func TestValidate_ConcreteScenario(t *testing.T) {
	const user = `{"id":42,"first_name":"A"}`
	checkString := "auth_date=1700000000\nuser=" + user
	hash := referenceSign(testBotToken, checkString)

	raw := "auth_date=1700000000&user=" + url.QueryEscape(user) + "&hash=" + hash

	t.Run("within skew", func(t *testing.T) {
		v := newTestValidator(t, time.Unix(1700000000, 0).Add(time.Minute))

		got, err := v.Validate(raw)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.TelegramID)
		assert.Equal(t, "A", got.FullName)
		assert.Equal(t, time.Unix(1700000000, 0), got.AuthDate)
	})

	t.Run("auth_date an hour old", func(t *testing.T) {
		v := newTestValidator(t, time.Unix(1700000000, 0).Add(time.Hour))

		_, err := v.Validate(raw)
		assert.ErrorIs(t, err, apperror.ErrExpired)
	})
}

func TestValidate_Deterministic(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vals := signedValues(now.Unix(), `{"id":7,"first_name":"Ann","last_name":"Lee","username":"ann","photo_url":"https://t.me/i/ann.jpg"}`, nil)
	raw := vals.Encode()

	v := newTestValidator(t, now)
	first, err := v.Validate(raw)
	require.NoError(t, err)
	second, err := v.Validate(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Ann Lee", first.FullName)
	assert.Equal(t, "ann", first.Username)
	assert.Equal(t, "https://t.me/i/ann.jpg", first.AvatarURL)
	assert.Equal(t, v.Sign(vals), vals.Get("hash"))
}

func TestValidate_TamperSensitivity(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestValidator(t, now)
	vals := signedValues(now.Unix(), `{"id":42,"first_name":"Alice"}`, map[string]string{
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"chat_type": "private",
	})

	_, err := v.ValidateValues(vals)
	require.NoError(t, err, "untampered payload must verify")

	for key, orig := range vals {
		if key == "hash" {
			continue
		}
		for i := range orig[0] {
			tampered := url.Values{}
			for k, vv := range vals {
				tampered[k] = append([]string(nil), vv...)
			}
			b := []byte(orig[0])
			if b[i] == 'x' {
				b[i] = 'y'
			} else {
				b[i] = 'x'
			}
			tampered.Set(key, string(b))

			_, err := v.ValidateValues(tampered)
			if !assert.ErrorIs(t, err, apperror.ErrInvalidSignature, "flip %s[%d]", key, i) {
				return
			}
		}
	}
}

func TestValidate_UppercaseHashAccepted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := newTestValidator(t, now)
	vals := signedValues(now.Unix(), `{"id":42,"first_name":"A"}`, nil)
	vals.Set("hash", strings.ToUpper(vals.Get("hash")))

	_, err := v.ValidateValues(vals)
	assert.NoError(t, err)
}

func TestValidate_Errors(t *testing.T) {
	now := time.Unix(1700000000, 0)
	good := signedValues(now.Unix(), `{"id":42,"first_name":"A"}`, nil)

	without := func(key string) url.Values {
		vals := url.Values{}
		for k, v := range good {
			if k != key {
				vals[k] = v
			}
		}
		return vals
	}

	tests := []struct {
		name string
		in   url.Values
		want error
	}{
		{"missing hash", without("hash"), apperror.ErrMissingField},
		{"missing auth_date", without("auth_date"), apperror.ErrMissingField},
		{"missing user", without("user"), apperror.ErrMissingField},
		{"hash not hex", func() url.Values {
			v := without("hash")
			v.Set("hash", "zz-not-hex")
			return v
		}(), apperror.ErrInvalidSignature},
		{"hash wrong length", func() url.Values {
			v := without("hash")
			v.Set("hash", "abcd")
			return v
		}(), apperror.ErrInvalidSignature},
		{"signed with another bot", func() url.Values {
			v := without("hash")
			v.Set("hash", referenceSign("OTHER:BOT", CheckString(v)))
			return v
		}(), apperror.ErrInvalidSignature},
		{"duplicate key", func() url.Values {
			v := without("")
			v["user"] = append(v["user"], `{"id":1,"first_name":"B"}`)
			return v
		}(), apperror.ErrValidation},
		{"auth_date too far in the future",
			signedValues(now.Add(10*time.Minute).Unix(), `{"id":42,"first_name":"A"}`, nil),
			apperror.ErrExpired},
		{"auth_date not a number",
			func() url.Values {
				v := url.Values{}
				v.Set("auth_date", "yesterday")
				v.Set("user", `{"id":42,"first_name":"A"}`)
				v.Set("hash", referenceSign(testBotToken, CheckString(v)))
				return v
			}(),
			apperror.ErrValidation},
		{"user id has wrong type",
			signedValues(now.Unix(), `{"id":"42","first_name":"A"}`, nil),
			apperror.ErrValidation},
		{"user is not JSON",
			signedValues(now.Unix(), `not-json`, nil),
			apperror.ErrValidation},
		{"user without id",
			signedValues(now.Unix(), `{"first_name":"A"}`, nil),
			apperror.ErrMissingField},
		{"user without first_name",
			signedValues(now.Unix(), `{"id":42}`, nil),
			apperror.ErrMissingField},
	}

	v := newTestValidator(t, now)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateValues(tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidate_EmptyAndUnparseable(t *testing.T) {
	v := newTestValidator(t, time.Unix(1700000000, 0))

	_, err := v.Validate("   ")
	assert.ErrorIs(t, err, apperror.ErrMissingField)

	_, err = v.Validate("user=%zz")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
