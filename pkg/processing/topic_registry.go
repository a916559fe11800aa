package processing

import (
	"sort"
	"sync"

	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
)

// Topic directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// TopicInfo holds traffic counters for a topic
type TopicInfo struct {
	Topic     string `json:"topic"`
	Direction string `json:"direction"`
	Count     int64  `json:"count"`
	LastSeen  int64  `json:"last_seen_unix_ms"`
}

// TopicRegistry maintains per-topic counters
type TopicRegistry struct {
	logger customlog.Logger
	topics map[string]*TopicInfo
	mu     sync.RWMutex
}

// NewTopicRegistry creates a new topic registry
func NewTopicRegistry(logger customlog.Logger) *TopicRegistry {
	return &TopicRegistry{
		logger: logger,
		topics: make(map[string]*TopicInfo),
	}
}

// LoadFromConfig registers the command and telemetry topics.
func (r *TopicRegistry) LoadFromConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.topics = map[string]*TopicInfo{
		cfg.Topics.Command:   {Topic: cfg.Topics.Command, Direction: DirectionInbound},
		cfg.Topics.Telemetry: {Topic: cfg.Topics.Telemetry, Direction: DirectionOutbound},
	}

	r.logger.Infof("Loaded %d topics into registry", len(r.topics))
}

// Record counts one message on topic. Unknown topics are added as inbound.
func (r *TopicRegistry) Record(topic string, unixMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.topics[topic]
	if !exists {
		info = &TopicInfo{Topic: topic, Direction: DirectionInbound}
		r.topics[topic] = info
	}
	info.Count++
	info.LastSeen = unixMs
}

// GetTopicInfo gets information for a topic
func (r *TopicRegistry) GetTopicInfo(topic string) (TopicInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.topics[topic]
	if !exists {
		return TopicInfo{}, false
	}
	return *info, true
}

// GetAllTopics returns the registered topic names, sorted.
func (r *TopicRegistry) GetAllTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// GetTopicStats returns a copy of every topic's counters.
func (r *TopicRegistry) GetTopicStats() map[string]TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]TopicInfo, len(r.topics))
	for topic, info := range r.topics {
		stats[topic] = *info
	}
	return stats
}
