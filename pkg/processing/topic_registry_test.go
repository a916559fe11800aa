package processing

import (
	"testing"

	"github.com/carrymate/bridge/pkg/config"
	customlog "github.com/carrymate/bridge/pkg/log"
)

func TestTopicRegistryLoadFromConfig(t *testing.T) {
	cfg := config.Default()
	r := NewTopicRegistry(customlog.NewNopLogger())
	r.LoadFromConfig(cfg)

	cmd, ok := r.GetTopicInfo(cfg.Topics.Command)
	if !ok || cmd.Direction != DirectionInbound {
		t.Errorf("Expected command topic registered inbound, got %+v (found=%v)", cmd, ok)
	}
	tel, ok := r.GetTopicInfo(cfg.Topics.Telemetry)
	if !ok || tel.Direction != DirectionOutbound {
		t.Errorf("Expected telemetry topic registered outbound, got %+v (found=%v)", tel, ok)
	}

	topics := r.GetAllTopics()
	if len(topics) != 2 || topics[0] != "carrymate/mobile/command" || topics[1] != "carrymate/robot/telemetry" {
		t.Errorf("Expected sorted default topics, got %v", topics)
	}
}

func TestTopicRegistryRecord(t *testing.T) {
	cfg := config.Default()
	r := NewTopicRegistry(customlog.NewNopLogger())
	r.LoadFromConfig(cfg)

	r.Record(cfg.Topics.Command, 100)
	r.Record(cfg.Topics.Command, 250)
	r.Record("other/topic", 300)

	info, _ := r.GetTopicInfo(cfg.Topics.Command)
	if info.Count != 2 || info.LastSeen != 250 {
		t.Errorf("Expected count 2, last seen 250, got %+v", info)
	}

	stats := r.GetTopicStats()
	if got := stats["other/topic"]; got.Count != 1 || got.Direction != DirectionInbound {
		t.Errorf("Expected unknown topic added as inbound with count 1, got %+v", got)
	}

	// returned stats are copies
	stats[cfg.Topics.Command] = TopicInfo{}
	if info, _ := r.GetTopicInfo(cfg.Topics.Command); info.Count != 2 {
		t.Errorf("Expected registry unaffected by caller mutation, got %+v", info)
	}
}
