// codes.go -- Authorization code store.
//
// Each code is a Redis hash at oauth:code:<sha256(code)> with a TTL equal to
// the code lifetime. Consumption is one Lua script, so "exists, not consumed,
// mark consumed, read binding" happens atomically per key and two racing
// consumers can never both succeed.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// consumedMarker prefixes the reply when a code was already consumed.
const consumedMarker = "__consumed"

// codeKey never embeds the raw code, so a Redis dump does not leak usable codes.
func codeKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return "oauth:code:" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// consumeScript returns nil for a missing key. A consumed code is flagged
// replayed and answers {marker, client_id, user_id, family_id}. Otherwise it
// flips consumed, records ARGV[2] as the family minted from the code (when
// non-empty) and returns the full hash, flattened.
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return false
end
if redis.call("HGET", KEYS[1], "consumed") == "1" then
	redis.call("HSET", KEYS[1], "replayed", "1")
	return {ARGV[1],
		redis.call("HGET", KEYS[1], "client_id") or "",
		redis.call("HGET", KEYS[1], "user_id") or "",
		redis.call("HGET", KEYS[1], "family_id") or ""}
end
redis.call("HSET", KEYS[1], "consumed", "1")
if ARGV[2] ~= "" then
	redis.call("HSET", KEYS[1], "family_id", ARGV[2])
end
return redis.call("HGETALL", KEYS[1])
`)

// IssueCode stores binding under code for ttl. The code starts unconsumed.
func (s *RedisStore) IssueCode(ctx context.Context, code string, b CodeBinding, ttl time.Duration) error {
	key := codeKey(code)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"client_id":             b.ClientID,
		"user_id":               b.UserID.String(),
		"redirect_uri":          b.RedirectURI,
		"scope":                 b.Scope,
		"code_challenge":        b.CodeChallenge,
		"code_challenge_method": b.CodeChallengeMethod,
		"nonce":                 b.Nonce,
		"auth_time":             strconv.FormatInt(b.AuthTime.Unix(), 10),
		"expires_at":            strconv.FormatInt(b.ExpiresAt.UnixMilli(), 10),
		"consumed":              "0",
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing authorization code: %w", err)
	}
	return nil
}

// ConsumeCode atomically marks code consumed and returns its binding. familyID
// is the refresh family the caller will mint from the code (uuid.Nil for none);
// it is stored in the same step so any later replay can name it.
//
// Returns ErrCodeNotFound if the code never existed or has expired, and a
// *ConsumedCodeError (errors.Is ErrCodeConsumed) if it was consumed before.
func (s *RedisStore) ConsumeCode(ctx context.Context, code string, familyID uuid.UUID) (*CodeBinding, error) {
	family := ""
	if familyID != uuid.Nil {
		family = familyID.String()
	}
	reply, err := consumeScript.Run(ctx, s.rdb, []string{codeKey(code)}, consumedMarker, family).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if len(reply) == 4 && reply[0] == consumedMarker {
		ce := &ConsumedCodeError{ClientID: reply[1]}
		ce.UserID, _ = uuid.FromString(reply[2])
		ce.FamilyID, _ = uuid.FromString(reply[3])
		return nil, ce
	}

	fields := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		fields[reply[i]] = reply[i+1]
	}

	b, err := bindingFromHash(fields)
	if err != nil {
		return nil, err
	}
	// Redis TTL has second granularity; the stored millisecond deadline is authoritative.
	if !time.Now().Before(b.ExpiresAt) {
		return nil, ErrCodeNotFound
	}
	return b, nil
}

// CodeReplayed reports whether code was presented again after it was consumed.
// A code whose key already expired reports false.
func (s *RedisStore) CodeReplayed(ctx context.Context, code string) (bool, error) {
	v, err := s.rdb.HGet(ctx, codeKey(code), "replayed").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking authorization code replay: %w", err)
	}
	return v == "1", nil
}

func bindingFromHash(f map[string]string) (*CodeBinding, error) {
	userID, err := uuid.FromString(f["user_id"])
	if err != nil {
		return nil, fmt.Errorf("parsing code user_id: %w", err)
	}
	authTime, err := strconv.ParseInt(f["auth_time"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing code auth_time: %w", err)
	}
	expiresAt, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing code expires_at: %w", err)
	}
	return &CodeBinding{
		ClientID:            f["client_id"],
		UserID:              userID,
		RedirectURI:         f["redirect_uri"],
		Scope:               f["scope"],
		CodeChallenge:       f["code_challenge"],
		CodeChallengeMethod: f["code_challenge_method"],
		Nonce:               f["nonce"],
		AuthTime:            time.Unix(authTime, 0),
		ExpiresAt:           time.UnixMilli(expiresAt),
	}, nil
}
