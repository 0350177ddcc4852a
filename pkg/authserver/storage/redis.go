// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/grantkeeper/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types used in Redis key names.
const (
	KeyTypeCode           = "code"
	KeyTypeCodeConsumed   = "code:consumed"
	KeyTypeToken          = "token"
	KeyTypeTokenRotated   = "token:rotated"
	KeyTypeFamily         = "family"
	KeyTypeFamilyTokens   = "family:tokens"
	KeyTypeClientFamilies = "client:families"
	KeyTypeGrantFamilies  = "grant:families"
	KeyTypeConsent        = "consent"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is a single Redis address. Mutually exclusive with SentinelConfig.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// SentinelConfig selects a Sentinel-managed deployment.
	SentinelConfig *SentinelConfig `json:"sentinel,omitempty" yaml:"sentinel,omitempty"`

	// ACLUserConfig is required with Sentinel and optional with Addr.
	ACLUserConfig *ACLUserConfig `json:"acl_user,omitempty" yaml:"acl_user,omitempty"`

	// KeyPrefix namespaces every key, e.g. "gk:prod:".
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`

	// InvalidatedCodeTTL is how long consumed codes are kept. Defaults to DefaultInvalidatedCodeTTL.
	InvalidatedCodeTTL time.Duration `json:"invalidated_code_ttl,omitempty" yaml:"invalidated_code_ttl,omitempty"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `json:"master_name" yaml:"master_name"`
	SentinelAddrs []string `json:"sentinel_addrs" yaml:"sentinel_addrs"`
	DB            int      `json:"db,omitempty" yaml:"db,omitempty"`
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"` //nolint:gosec // configuration field
}

// RedisStorage implements TokenStore on Redis so codes, tokens and consent
// requests are shared between replicas. Code redemption and refresh rotation
// run as Lua scripts and are atomic across replicas.
type RedisStorage struct {
	client             redis.UniversalClient
	keyPrefix          string
	invalidatedCodeTTL time.Duration
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var username, password string
	if cfg.ACLUserConfig != nil {
		username, password = cfg.ACLUserConfig.Username, cfg.ACLUserConfig.Password
	}

	var client redis.UniversalClient
	if cfg.SentinelConfig != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelConfig.MasterName,
			SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
			DB:            cfg.SentinelConfig.DB,
			Username:      username,
			Password:      password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     username,
			Password:     password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStorageWithClient(client, cfg.KeyPrefix)
	if cfg.InvalidatedCodeTTL > 0 {
		s.invalidatedCodeTTL = cfg.InvalidatedCodeTTL
	}
	return s, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:             client,
		keyPrefix:          keyPrefix,
		invalidatedCodeTTL: DefaultInvalidatedCodeTTL,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	switch {
	case cfg.Addr != "" && cfg.SentinelConfig != nil:
		return errors.New("addr and sentinel configuration are mutually exclusive")
	case cfg.Addr == "" && cfg.SentinelConfig == nil:
		return errors.New("either addr or sentinel configuration is required")
	}
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
		if cfg.ACLUserConfig == nil {
			return errors.New("ACL user configuration is required")
		}
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// lifetime returns the TTL of a record living from start to end, at least one second.
func lifetime(start, end time.Time) time.Duration {
	if d := end.Sub(start); d > time.Second {
		return d
	}
	return time.Second
}

// -----------------------
// Atomic consume script
// -----------------------

// writeOp is one write performed by consumeScript after the marker is set.
type writeOp struct {
	key   string
	value string
	ttl   time.Duration
	// kind is "set" (SET value PX ttl), "sadd" (SADD value, extend TTL)
	// or "extend" (raise the key's TTL to at least ttl).
	kind string
}

// consumeScript marks a record consumed exactly once and applies follow-up
// writes in the same step.
//
// KEYS[1] is the marker, KEYS[2..1+n] must exist, the remaining keys are written.
// ARGV[1] marker value, ARGV[2] marker TTL ms, ARGV[3] n, then value/ttl/kind per write.
// Returns {1} on success, {0, marker} if already consumed, {2} if a required key is gone.
var consumeScript = redis.NewScript(`
local n = tonumber(ARGV[3])
for i = 2, 1 + n do
	if redis.call('EXISTS', KEYS[i]) == 0 then
		return {2}
	end
end
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return {0, redis.call('GET', KEYS[1])}
end
for i = 2 + n, #KEYS do
	local base = 4 + (i - 2 - n) * 3
	local value, ttl, kind = ARGV[base], tonumber(ARGV[base + 1]), ARGV[base + 2]
	if kind == 'set' then
		redis.call('SET', KEYS[i], value, 'PX', ttl)
	else
		if kind == 'sadd' then
			redis.call('SADD', KEYS[i], value)
		end
		if redis.call('PTTL', KEYS[i]) < ttl then
			redis.call('PEXPIRE', KEYS[i], ttl)
		end
	end
end
return {1}
`)

const (
	consumeOK       = 1
	consumeTaken    = 0
	consumeMissing  = 2
	markerSeparator = "|"
)

func (s *RedisStorage) consume(
	ctx context.Context, marker string, markerValue string, markerTTL time.Duration, required []string, ops []writeOp,
) (int64, string, error) {
	keys := append([]string{marker}, required...)
	args := []any{markerValue, markerTTL.Milliseconds(), len(required)}
	for _, op := range ops {
		keys = append(keys, op.key)
		args = append(args, op.value, op.ttl.Milliseconds(), op.kind)
	}

	res, err := consumeScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return 0, "", fmt.Errorf("failed to run consume script: %w", err)
	}
	status, _ := res[0].(int64)
	var existing string
	if len(res) > 1 {
		existing, _ = res[1].(string)
	}
	return status, existing, nil
}

// issueOps returns the writes that store the family and tokens of issue.
// family is the family the tokens belong to (issue.Family or the existing one).
func (s *RedisStorage) issueOps(issue *IssuedTokens, family *Family) ([]writeOp, error) {
	famTTL := lifetime(family.CreatedAt, family.ExpiresAt)
	famData, err := json.Marshal(family)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token family: %w", err)
	}

	ops := []writeOp{
		{key: redisKey(s.keyPrefix, KeyTypeFamily, family.ID), value: string(famData), ttl: famTTL, kind: "set"},
		{key: redisKey(s.keyPrefix, KeyTypeClientFamilies, family.ClientRef), value: family.ID, ttl: famTTL, kind: "sadd"},
	}
	if family.GrantID != "" {
		ops = append(ops, writeOp{
			key: redisKey(s.keyPrefix, KeyTypeGrantFamilies, family.GrantID), value: family.ID, ttl: famTTL, kind: "sadd",
		})
	}

	for _, rec := range issue.records() {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal token: %w", err)
		}
		ops = append(ops,
			writeOp{
				key: redisKey(s.keyPrefix, KeyTypeToken, rec.Signature), value: string(data),
				ttl: lifetime(rec.IssuedAt, rec.ExpiresAt), kind: "set",
			},
			writeOp{
				key: redisKey(s.keyPrefix, KeyTypeFamilyTokens, family.ID), value: rec.Signature, ttl: famTTL, kind: "sadd",
			},
		)
	}
	return ops, nil
}

// familyCovering returns a copy of f whose expiry covers every token in issue.
func familyCovering(f *Family, issue *IssuedTokens) *Family {
	out := *f
	for _, rec := range issue.records() {
		if rec.ExpiresAt.After(out.ExpiresAt) {
			out.ExpiresAt = rec.ExpiresAt
		}
	}
	return &out
}

// -----------------------
// Authorization codes
// -----------------------

// CreateAuthorizationCode stores a new code until its expiry.
func (s *RedisStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code.Signature == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be empty")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeCode, code.Signature)
	ok, err := s.client.SetNX(ctx, key, data, lifetime(code.IssuedAt, code.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return nil
}

// GetAuthorizationCode loads a code and its consumption marker.
func (s *RedisStorage) GetAuthorizationCode(ctx context.Context, signature string) (*AuthorizationCode, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeCode, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("Authorization code")
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var code AuthorizationCode
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	marker, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeCodeConsumed, signature)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("failed to get code consumption: %w", err)
	default:
		applyCodeMarker(&code, marker)
	}
	return &code, nil
}

func codeMarker(at time.Time, familyID string) string {
	return strconv.FormatInt(at.UnixMilli(), 10) + markerSeparator + familyID
}

func applyCodeMarker(code *AuthorizationCode, marker string) {
	ms, familyID, _ := strings.Cut(marker, markerSeparator)
	if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
		code.ConsumedAt = time.UnixMilli(v).UTC()
	}
	code.FamilyID = familyID
}

// RedeemAuthorizationCode consumes a code and stores the issued tokens atomically.
func (s *RedisStorage) RedeemAuthorizationCode(
	ctx context.Context, signature string, now time.Time, issue *IssuedTokens,
) (*AuthorizationCode, error) {
	code, err := s.GetAuthorizationCode(ctx, signature)
	if err != nil {
		return nil, err
	}
	if !code.ConsumedAt.IsZero() {
		return code, ErrCodeConsumed
	}
	if !now.Before(code.ExpiresAt) {
		return code, ErrExpired
	}

	codeKey := redisKey(s.keyPrefix, KeyTypeCode, signature)
	ops, err := s.issueOps(issue, familyCovering(issue.Family, issue))
	if err != nil {
		return nil, err
	}
	ops = append(ops, writeOp{key: codeKey, ttl: s.invalidatedCodeTTL, kind: "extend"})

	marker := codeMarker(now, issue.Family.ID)
	status, existing, err := s.consume(ctx,
		redisKey(s.keyPrefix, KeyTypeCodeConsumed, signature), marker, s.invalidatedCodeTTL,
		[]string{codeKey}, ops)
	if err != nil {
		return nil, err
	}

	switch status {
	case consumeOK:
		applyCodeMarker(code, marker)
		return code, nil
	case consumeTaken:
		applyCodeMarker(code, existing)
		return code, ErrCodeConsumed
	default:
		return nil, notFound("Authorization code")
	}
}

// -----------------------
// Tokens and families
// -----------------------

// CreateTokens stores a new family and its tokens.
func (s *RedisStorage) CreateTokens(ctx context.Context, issue *IssuedTokens) error {
	if issue.Family == nil {
		return fosite.ErrInvalidRequest.WithHint("token family cannot be nil")
	}

	family := familyCovering(issue.Family, issue)
	ops, err := s.issueOps(issue, family)
	if err != nil {
		return err
	}

	// The family key doubles as the creation marker.
	marker, ops := ops[0], ops[1:]
	status, _, err := s.consume(ctx, marker.key, marker.value, marker.ttl, nil, ops)
	if err != nil {
		return err
	}
	if status != consumeOK {
		return fmt.Errorf("%w: token family %s", ErrAlreadyExists, family.ID)
	}
	return nil
}

// GetToken loads a token record and its rotation marker.
func (s *RedisStorage) GetToken(ctx context.Context, signature string) (*TokenRecord, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeToken, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("Token")
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	if rec.Kind == TokenRefresh {
		ms, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeTokenRotated, signature)).Int64()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, fmt.Errorf("failed to get token rotation: %w", err)
		default:
			rec.RotatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return &rec, nil
}

// GetFamily loads a token family.
func (s *RedisStorage) GetFamily(ctx context.Context, id string) (*Family, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeFamily, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("Token family")
		}
		return nil, fmt.Errorf("failed to get token family: %w", err)
	}

	var f Family
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token family: %w", err)
	}
	return &f, nil
}

// RotateRefreshToken marks a refresh token rotated and stores its successors atomically.
func (s *RedisStorage) RotateRefreshToken(
	ctx context.Context, signature string, now time.Time, issue *IssuedTokens,
) (*TokenRecord, error) {
	rec, err := s.GetToken(ctx, signature)
	if err != nil {
		return nil, err
	}
	if rec.Kind != TokenRefresh {
		return nil, notFound("Refresh token")
	}
	if !rec.RotatedAt.IsZero() {
		return rec, ErrTokenRotated
	}
	if rec.Expired(now) {
		return rec, ErrExpired
	}

	family, err := s.GetFamily(ctx, rec.FamilyID)
	if err != nil {
		return nil, err
	}
	ops, err := s.issueOps(&IssuedTokens{Access: issue.Access, Refresh: issue.Refresh}, familyCovering(family, issue))
	if err != nil {
		return nil, err
	}

	tokenKey := redisKey(s.keyPrefix, KeyTypeToken, signature)
	familyKey := redisKey(s.keyPrefix, KeyTypeFamily, rec.FamilyID)
	status, existing, err := s.consume(ctx,
		redisKey(s.keyPrefix, KeyTypeTokenRotated, signature),
		strconv.FormatInt(now.UnixMilli(), 10), lifetime(rec.IssuedAt, rec.ExpiresAt),
		[]string{tokenKey, familyKey}, ops)
	if err != nil {
		return nil, err
	}

	switch status {
	case consumeOK:
		rec.RotatedAt = time.UnixMilli(now.UnixMilli()).UTC()
		return rec, nil
	case consumeTaken:
		if ms, err := strconv.ParseInt(existing, 10, 64); err == nil {
			rec.RotatedAt = time.UnixMilli(ms).UTC()
		}
		return rec, ErrTokenRotated
	default:
		return nil, notFound("Token family")
	}
}

// revokeFamily deletes a family, its tokens and its index entries. It
// reports whether the family existed.
func (s *RedisStorage) revokeFamily(ctx context.Context, familyID string) (bool, error) {
	family, err := s.GetFamily(ctx, familyID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	tokensKey := redisKey(s.keyPrefix, KeyTypeFamilyTokens, familyID)
	sigs, err := s.client.SMembers(ctx, tokensKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to list family tokens: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, sig := range sigs {
		pipe.Del(ctx,
			redisKey(s.keyPrefix, KeyTypeToken, sig),
			redisKey(s.keyPrefix, KeyTypeTokenRotated, sig),
		)
	}
	pipe.Del(ctx, tokensKey, redisKey(s.keyPrefix, KeyTypeFamily, familyID))
	if family != nil {
		pipe.SRem(ctx, redisKey(s.keyPrefix, KeyTypeClientFamilies, family.ClientRef), familyID)
		if family.GrantID != "" {
			pipe.SRem(ctx, redisKey(s.keyPrefix, KeyTypeGrantFamilies, family.GrantID), familyID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to revoke token family: %w", err)
	}
	return family != nil, nil
}

// RevokeFamily deletes a family and its tokens. Revoking an unknown family is not an error.
func (s *RedisStorage) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.revokeFamily(ctx, familyID)
	return err
}

func (s *RedisStorage) revokeFamiliesIn(ctx context.Context, setKey string) (int, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("failed to list token families: %w", err)
	}

	var n int
	for _, id := range ids {
		existed, err := s.revokeFamily(ctx, id)
		if err != nil {
			return n, err
		}
		if existed {
			n++
		}
		// Drop stale members whose family already expired.
		if err := s.client.SRem(ctx, setKey, id).Err(); err != nil {
			logger.Warnw("failed to drop token family from index", "set", setKey, "family", id, "error", err)
		}
	}
	return n, nil
}

// RevokeFamiliesByClient revokes every family of a client.
func (s *RedisStorage) RevokeFamiliesByClient(ctx context.Context, clientRef string) (int, error) {
	return s.revokeFamiliesIn(ctx, redisKey(s.keyPrefix, KeyTypeClientFamilies, clientRef))
}

// RevokeFamiliesByGrant revokes every family of a grant.
func (s *RedisStorage) RevokeFamiliesByGrant(ctx context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, nil
	}
	return s.revokeFamiliesIn(ctx, redisKey(s.keyPrefix, KeyTypeGrantFamilies, grantID))
}

// -----------------------
// Pending consents
// -----------------------

// StorePendingConsent stores a consent request until its expiry.
func (s *RedisStorage) StorePendingConsent(ctx context.Context, pending *PendingConsent) error {
	if pending.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("consent id cannot be empty")
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to marshal consent request: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeConsent, pending.ID)
	if err := s.client.Set(ctx, key, data, lifetime(pending.CreatedAt, pending.ExpiresAt)).Err(); err != nil {
		return fmt.Errorf("failed to store consent request: %w", err)
	}
	return nil
}

func decodeConsent(data []byte, err error) (*PendingConsent, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound("Consent request")
		}
		return nil, fmt.Errorf("failed to get consent request: %w", err)
	}

	var pending PendingConsent
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent request: %w", err)
	}
	return &pending, nil
}

// GetPendingConsent loads a consent request.
func (s *RedisStorage) GetPendingConsent(ctx context.Context, id string) (*PendingConsent, error) {
	return decodeConsent(s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeConsent, id)).Bytes())
}

// TakePendingConsent loads and deletes a consent request.
func (s *RedisStorage) TakePendingConsent(ctx context.Context, id string) (*PendingConsent, error) {
	return decodeConsent(s.client.GetDel(ctx, redisKey(s.keyPrefix, KeyTypeConsent, id)).Bytes())
}

var _ TokenStore = (*RedisStorage)(nil)
