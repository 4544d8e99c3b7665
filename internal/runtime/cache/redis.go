package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	TLS       RedisTLSConfig
}

// redisStore keeps one hash per namespace and a set registering the live
// namespace names.
type redisStore struct {
	client valkey.Client
	prefix string
}

func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
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
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.KeyPrefix), ":")
	if prefix == "" {
		prefix = "offlinegate"
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

func (s *redisStore) namespaceKey(namespace string) string {
	return s.prefix + ":ns:" + namespace
}

func (s *redisStore) registryKey() string {
	return s.prefix + ":namespaces"
}

func (s *redisStore) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Hget().Key(s.namespaceKey(namespace)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis hget: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis hget bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (s *redisStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	payload, err := json.Marshal(stampEntry(entry))
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmds := valkey.Commands{
		s.client.B().Sadd().Key(s.registryKey()).Member(namespace).Build(),
		s.client.B().Hset().Key(s.namespaceKey(namespace)).FieldValue().FieldValue(key, string(payload)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("%w: redis hset: %v", ErrStorageUnavailable, err)
		}
	}
	return nil
}

func (s *redisStore) DeleteNamespace(ctx context.Context, namespace string) error {
	cmds := valkey.Commands{
		s.client.B().Del().Key(s.namespaceKey(namespace)).Build(),
		s.client.B().Srem().Key(s.registryKey()).Member(namespace).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("cache: redis delete namespace %s: %w", namespace, err)
		}
	}
	return nil
}

func (s *redisStore) ListNamespaces(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.registryKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}
