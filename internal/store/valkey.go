package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/metrics"
)

const (
	valkeyStoreLabel = "valkey"
	usageKeyPrefix   = "tiergate:usage:"
	// createdField marks a hash as existing even when no counter was set yet.
	createdField = "__created_at"
)

// ValkeyUsage keeps usage counters as valkey hashes, one field per quota field.
type ValkeyUsage struct {
	client   valkey.Client
	recorder *metrics.Recorder
	newID    func() string
	now      func() time.Time
}

// NewValkeyUsage connects to the configured server and checks it with PING.
func NewValkeyUsage(cfg config.RedisConfig, recorder *metrics.Recorder) (*ValkeyUsage, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &ValkeyUsage{
		client:   client,
		recorder: recorder,
		newID:    uuid.NewString,
		now:      time.Now,
	}, nil
}

func (v *ValkeyUsage) Close() {
	v.client.Close()
}

func anonymousKey(id string) string { return usageKeyPrefix + "anon:" + id }

func userUsageKey(callerID, ip string) string {
	return usageKeyPrefix + "user:" + callerID + ":" + ip
}

func (v *ValkeyUsage) observe(op string, start time.Time, err *error) {
	v.recorder.ObserveStore(valkeyStoreLabel, op, *err, time.Since(start))
}

func (v *ValkeyUsage) AnonymousUsage(ctx context.Context, id string) (usage Usage, found bool, err error) {
	defer v.observe("anonymous_usage", time.Now(), &err)
	return v.read(ctx, anonymousKey(id))
}

func (v *ValkeyUsage) CreateAnonymousUsage(ctx context.Context, field string) (id string, err error) {
	defer v.observe("create_anonymous_usage", time.Now(), &err)

	id = v.newID()
	fields := v.client.B().Hset().Key(anonymousKey(id)).FieldValue().
		FieldValue(createdField, strconv.FormatInt(v.now().Unix(), 10))
	if field != "" {
		fields = fields.FieldValue(field, "1")
	}
	if err := v.client.Do(ctx, fields.Build()).Error(); err != nil {
		return "", fmt.Errorf("store: valkey create anonymous usage: %w", err)
	}
	return id, nil
}

func (v *ValkeyUsage) IncrementAnonymousUsage(ctx context.Context, id, field string) (err error) {
	defer v.observe("increment_anonymous_usage", time.Now(), &err)
	return v.increment(ctx, anonymousKey(id), field)
}

func (v *ValkeyUsage) UserUsage(ctx context.Context, callerID, ip string) (usage Usage, found bool, err error) {
	defer v.observe("user_usage", time.Now(), &err)
	return v.read(ctx, userUsageKey(callerID, ip))
}

// CreateUserUsage claims the (callerID, ip) hash with HSETNX so only one of
// two racing requests creates it; the loser gets ErrUsageExists.
func (v *ValkeyUsage) CreateUserUsage(ctx context.Context, callerID, ip, field string) (err error) {
	defer v.observe("create_user_usage", time.Now(), &err)

	key := userUsageKey(callerID, ip)
	created, err := v.client.Do(ctx, v.client.B().Hsetnx().Key(key).Field(createdField).
		Value(strconv.FormatInt(v.now().Unix(), 10)).Build()).AsBool()
	if err != nil {
		return fmt.Errorf("store: valkey create user usage: %w", err)
	}
	if !created {
		return ErrUsageExists
	}
	if field == "" {
		return nil
	}
	if err := v.client.Do(ctx, v.client.B().Hset().Key(key).FieldValue().FieldValue(field, "1").Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey create user usage: %w", err)
	}
	return nil
}

func (v *ValkeyUsage) IncrementUserUsage(ctx context.Context, callerID, ip, field string) (err error) {
	defer v.observe("increment_user_usage", time.Now(), &err)
	return v.increment(ctx, userUsageKey(callerID, ip), field)
}

func (v *ValkeyUsage) read(ctx context.Context, key string) (Usage, bool, error) {
	values, err := v.client.Do(ctx, v.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: valkey read usage: %w", err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	usage := make(Usage, len(values))
	for field, raw := range values {
		if field == createdField {
			continue
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("store: valkey usage field %s: %w", field, err)
		}
		usage[field] = count
	}
	return usage, true, nil
}

// increment checks existence and then runs HINCRBY. The two commands are not
// atomic; a record deleted in between is recreated with only field set.
func (v *ValkeyUsage) increment(ctx context.Context, key, field string) error {
	if field == "" {
		return ErrFieldRequired
	}
	exists, err := v.client.Do(ctx, v.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("store: valkey exists: %w", err)
	}
	if exists == 0 {
		return ErrUsageNotFound
	}
	if err := v.client.Do(ctx, v.client.B().Hincrby().Key(key).Field(field).Increment(1).Build()).Error(); err != nil {
		return fmt.Errorf("store: valkey increment: %w", err)
	}
	return nil
}
