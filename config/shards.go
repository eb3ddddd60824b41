package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/git-akicargoo/realtime-crypto-boot-sub001/models"
)

// DefaultShardsPath is where LoadIPShards looks when no -shards flag is given.
const DefaultShardsPath = "config/ip_shards.yml"

// IPShard pins a set of pairs per exchange to one source IP. Each exchange in
// a shard gets its own websocket connection bound to that IP.
type IPShard struct {
	IP        string              `yaml:"ip"`
	Exchanges map[string][]string `yaml:"exchanges"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i := range cfg.Shards {
		shard := &cfg.Shards[i]
		shard.IP = strings.TrimSpace(shard.IP)
		normalized := make(map[string][]string, len(shard.Exchanges))
		for name, pairs := range shard.Exchanges {
			normalized[strings.ToLower(strings.TrimSpace(name))] = pairs
		}
		shard.Exchanges = normalized
	}
	return &cfg, nil
}

// ShardsFor loads the shard file for env. Outside staging and production a
// missing default file yields one unbound shard so a laptop run needs no
// shard file. A file without shards also yields one unbound shard.
func ShardsFor(env Environment, path string) (*IPShards, error) {
	shards, err := LoadIPShards(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultShardsPath && !env.ProductionLike() {
			return &IPShards{Shards: []IPShard{{}}}, nil
		}
		return nil, err
	}
	if len(shards.Shards) == 0 {
		shards.Shards = []IPShard{{}}
	}
	return shards, nil
}

// PairsFor parses the shard's pairs for exchange. Entries that are not in
// BASE/QUOTE form are returned as an error naming the shard.
func (s IPShard) PairsFor(exchange string) ([]models.CurrencyPair, error) {
	raw := s.Exchanges[strings.ToLower(exchange)]
	pairs := make([]models.CurrencyPair, 0, len(raw))
	for _, entry := range raw {
		p, err := models.ParsePair(entry)
		if err != nil {
			return nil, fmt.Errorf("shard %s exchange %s: %w", s.IP, exchange, err)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}
