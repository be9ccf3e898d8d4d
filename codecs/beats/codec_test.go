package beats

import (
	"testing"
	"time"

	"github.com/INLOpen/nexusingest/codecs"
	"github.com/INLOpen/nexusingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const filebeatEvent = `{
  "@metadata": {"beat": "filebeat", "type": "log"},
  "@timestamp": "2016-04-01T00:00:00.000Z",
  "beat": {"hostname": "example.local", "name": "example.local"},
  "count": 1,
  "fields": null,
  "input_type": "log",
  "message": "TEST",
  "offset": 0,
  "source": "/tmp/test.log",
  "tags": ["foobar", "test"],
  "gl2_source_collector": "1234-5678-1234-5678",
  "type": "log"
}`

func decodeOne(t *testing.T, c *Codec, payload string) *core.Message {
	t.Helper()
	msgs, err := c.Decode(core.NewRawMessage(Name, []byte(payload), nil))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestCodec_Filebeat(t *testing.T) {
	m := decodeOne(t, New(Options{}), filebeatEvent)

	assert.Equal(t, "TEST", m.Message)
	assert.Equal(t, "example.local", m.Source)
	assert.Equal(t, time.Date(2016, 4, 1, 0, 0, 0, 0, time.UTC), m.Timestamp)
	assert.Equal(t, "filebeat", m.GetField(FieldBeatsType))
	assert.Equal(t, "/tmp/test.log", m.GetField("filebeat_source"))
	assert.Equal(t, "log", m.GetField("filebeat_input_type"))
	assert.Equal(t, int64(1), m.GetField("filebeat_count"))
	assert.Equal(t, int64(0), m.GetField("filebeat_offset"))
	assert.Equal(t, "1234-5678-1234-5678", m.GetField(core.FieldSourceCollector))
	assert.Equal(t, []any{"foobar", "test"}, m.GetField("filebeat_tags"))

	assert.False(t, m.HasField("filebeat_message"))
	assert.False(t, m.HasField("filebeat_"+core.FieldSourceCollector))
	assert.False(t, m.HasField("filebeat_@metadata_beat"))
	// An explicit null survives as a field without a value.
	assert.True(t, m.HasField("filebeat_fields"))
	assert.Nil(t, m.GetField("filebeat_fields"))
}

func TestCodec_FilebeatWithoutPrefix(t *testing.T) {
	c := NewFromConfig(codecs.Config{ConfigNoBeatsPrefix: true}, nil)
	m := decodeOne(t, c, filebeatEvent)

	assert.Equal(t, "filebeat", m.GetField(FieldBeatsType))
	// An unprefixed "source" key replaces the message source.
	assert.Equal(t, "/tmp/test.log", m.GetField(core.FieldSource))
	assert.Equal(t, "log", m.GetField("input_type"))
	assert.Equal(t, int64(1), m.GetField("count"))
	assert.Equal(t, []any{"foobar", "test"}, m.GetField("tags"))
	assert.Equal(t, "1234-5678-1234-5678", m.GetField(core.FieldSourceCollector))
}

func TestCodec_FallsBackToAgentType(t *testing.T) {
	m := decodeOne(t, New(Options{}), `{
	  "@timestamp": "2025-04-01T19:04:19.678Z",
	  "message": "Tue Apr  1 03:04:18 PM EDT 2025",
	  "source": "tst-logstash",
	  "agent": {"type": "filebeat", "name": "tst-logstash"},
	  "host": {"name": "tst-logstash"},
	  "log": {"offset": 475, "file": {"path": "/home/drew/tmp.txt"}},
	  "tags": ["beats_input_codec_plain_applied"]
	}`)

	assert.Equal(t, "tst-logstash", m.Source)
	assert.Equal(t, time.Date(2025, 4, 1, 19, 4, 19, 678_000_000, time.UTC), m.Timestamp)
	assert.Equal(t, "filebeat", m.GetField(FieldBeatsType))
	assert.Equal(t, "filebeat", m.GetField("filebeat_agent_type"))
	assert.Equal(t, "tst-logstash", m.GetField("filebeat_host_name"))
	assert.Equal(t, int64(475), m.GetField("filebeat_log_offset"))
	assert.Equal(t, "/home/drew/tmp.txt", m.GetField("filebeat_log_file_path"))
	assert.Equal(t, []any{"beats_input_codec_plain_applied"}, m.GetField("filebeat_tags"))
	assert.False(t, m.HasField("beat_agent_type"))
}

func TestCodec_FallsBackToBeatType(t *testing.T) {
	m := decodeOne(t, New(Options{}), `{
	  "@timestamp": "2016-04-01T00:00:00.000Z",
	  "message": "Test message",
	  "beat": {"type": "topbeat", "hostname": "example.local"},
	  "foo": "bar"
	}`)

	assert.Equal(t, "example.local", m.Source)
	assert.Equal(t, "topbeat", m.GetField(FieldBeatsType))
	assert.Equal(t, "topbeat", m.GetField("topbeat_beat_type"))
	assert.Equal(t, "bar", m.GetField("topbeat_foo"))
}

func TestCodec_GenericBeat(t *testing.T) {
	m := decodeOne(t, New(Options{}), `{
	  "@timestamp": "2016-04-01T00:00:00.000Z",
	  "foo": "bar",
	  "fields": {"foo_field": "bar"},
	  "docker": {"id": "123", "labels": {"docker-kubernetes-pod": "hello"}}
	}`)

	assert.Equal(t, "-", m.Message)
	assert.Equal(t, "unknown", m.Source)
	assert.Equal(t, "beat", m.GetField(FieldBeatsType))
	assert.Equal(t, "bar", m.GetField("beat_foo"))
	assert.Equal(t, "bar", m.GetField("beat_fields_foo_field"))
	assert.Equal(t, "123", m.GetField("beat_docker_id"))
	assert.Equal(t, "hello", m.GetField("beat_docker_labels_docker-kubernetes-pod"))
}

func TestCodec_Packetbeat(t *testing.T) {
	m := decodeOne(t, New(Options{}), `{
	  "@metadata": {"beat": "packetbeat"},
	  "@timestamp": "2022-11-07T09:26:10.579Z",
	  "host": {"name": "example.local", "containerized": false},
	  "type": "dns",
	  "dns": {
	    "answers": [{"name": "example.com", "type": "A", "data": "93.184.216.34"}],
	    "flags": {"recursion_allowed": true}
	  },
	  "network": {"bytes": 557, "ratio": 0.5},
	  "destination": {"port": 27017}
	}`)

	assert.Equal(t, "example.local", m.Source)
	assert.Equal(t, "packetbeat", m.GetField(FieldBeatsType))
	assert.Equal(t, "dns", m.GetField("packetbeat_type"))
	assert.Equal(t, "A", m.GetField("packetbeat_dns_answers_0_type"))
	assert.Equal(t, "example.com", m.GetField("packetbeat_dns_answers_0_name"))
	assert.Equal(t, true, m.GetField("packetbeat_dns_flags_recursion_allowed"))
	assert.Equal(t, int64(557), m.GetField("packetbeat_network_bytes"))
	assert.Equal(t, 0.5, m.GetField("packetbeat_network_ratio"))
	assert.Equal(t, int64(27017), m.GetField("packetbeat_destination_port"))
	assert.Equal(t, false, m.GetField("packetbeat_host_containerized"))
}

func TestCodec_MixedArrayIsIndexed(t *testing.T) {
	m := decodeOne(t, New(Options{}), `{"values": [1, {"a": "b"}]}`)

	assert.Equal(t, int64(1), m.GetField("beat_values_0"))
	assert.Equal(t, "b", m.GetField("beat_values_1_a"))
	assert.False(t, m.HasField("beat_values"))
}

func TestCodec_InvalidTimestampUsesReceiveTime(t *testing.T) {
	received := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	raw := core.NewRawMessageAt(Name, []byte(`{"@timestamp":"yesterday","message":"x"}`), nil, received)

	msgs, err := New(Options{}).Decode(raw)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, received, msgs[0].Timestamp)
}

func TestCodec_InvalidPayload(t *testing.T) {
	c := New(Options{})
	for name, payload := range map[string]string{
		"blank":    "  \n",
		"not json": "{nope",
		"array":    "[1,2]",
		"null":     "null",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(core.NewRawMessage(Name, []byte(payload), nil))
			require.Error(t, err)
			assert.True(t, core.IsDecodeError(err))
		})
	}
}

func TestCodec_DecodesFramePayload(t *testing.T) {
	d := NewDecoder(DecoderOptions{})
	out, err := d.Decode(dataFrame(1, "message", "from a data frame", "line", "7"))
	require.NoError(t, err)
	require.Len(t, out.Events, 1)

	m := decodeOne(t, New(Options{}), string(out.Events[0]))
	assert.Equal(t, "from a data frame", m.Message)
	assert.Equal(t, "7", m.GetField("beat_line"))
}
