/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 500 * time.Millisecond

// Redis wraps the universal client shared by the cache, the club lock and the task queue.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL accepts docker style host:port addresses, redis:// URLs and managed
// instance hostnames whose passwords may not be URL safe.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	if strings.Count(rawURL, ":") == 1 && !strings.Contains(rawURL, "@") && !strings.Contains(rawURL, "//") {
		return &redis.Options{Addr: rawURL}, nil
	}

	// redis://password@host is shorthand for an empty username.
	if strings.HasPrefix(rawURL, "redis://") && strings.Contains(rawURL, "@") {
		parts := strings.SplitN(strings.TrimPrefix(rawURL, "redis://"), "@", 2)
		if len(parts) == 2 && !strings.Contains(parts[0], ":") {
			rawURL = fmt.Sprintf("redis://:%s@%s", parts[0], parts[1])
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		opts = manualOptions(rawURL)
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in via ROSTER_REDIS_SKIP_TLS_VERIFY
	}
	return opts, nil
}

func manualOptions(rawURL string) *redis.Options {
	host := rawURL
	var password string
	if at := strings.LastIndex(rawURL, "@"); at >= 0 {
		password = strings.TrimPrefix(rawURL[:at], "redis://")
		password = strings.TrimPrefix(password, ":")
		host = rawURL[at+1:]
	}
	host = strings.TrimPrefix(host, "rediss://")
	host = strings.TrimPrefix(host, "redis://")

	opts := &redis.Options{Addr: host, Password: password}
	if strings.Contains(host, "redis.cache.windows.net") || strings.HasPrefix(rawURL, "rediss://") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// NewRedisClient connects to a single instance, or to a cluster when several addresses are
// given, and pings it before returning.
func NewRedisClient(addresses []string, skipTLSVerify bool) (*Redis, error) {
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		cluster, err := clusterOptions(addresses, skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewUniversalClient(cluster)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{addresses: addresses, client: client}, nil
}

func clusterOptions(addresses []string, skipTLSVerify bool) (*redis.UniversalOptions, error) {
	cluster := &redis.UniversalOptions{}
	useTLS := false
	for _, addr := range addresses {
		opts, err := ParseRedisURL(addr, skipTLSVerify)
		if err != nil {
			return nil, err
		}
		cluster.Addrs = append(cluster.Addrs, opts.Addr)
		if cluster.Password == "" {
			cluster.Password = opts.Password
		}
		useTLS = useTLS || opts.TLSConfig != nil
	}
	if useTLS {
		cluster.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipTLSVerify} // #nosec G402
	}
	return cluster, nil
}

// Wrap adapts an existing client, used by tests running against miniredis.
func Wrap(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Close() error {
	return r.client.Close()
}
