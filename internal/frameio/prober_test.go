package frameio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"24000/1001", 23.976},
		{"30000/1001", 29.97},
		{"25/1", 25},
		{"60/1", 60},
		{"23.976", 23.976},
		{"0/0", 0},
		{"garbage", 0},
		{"1/2/3", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseFrameRate(tt.in), "input %q", tt.in)
	}
}

func probeFixture() *ProbeResult {
	return &ProbeResult{
		Format: ProbeFormat{Duration: "10.0"},
		Streams: []ProbeStream{
			{Index: 0, CodecType: "video", CodecName: "h264", RFrameRate: "25/1", AvgFrameRate: "25/1"},
			{Index: 1, CodecType: "audio", CodecName: "aac", Tags: map[string]string{"language": "eng"}},
			{Index: 2, CodecType: "audio", CodecName: "ac3"},
			{Index: 3, CodecType: "subtitle", CodecName: "subrip", Tags: map[string]string{"language": "ger"}},
		},
	}
}

func TestVideoStream(t *testing.T) {
	r := probeFixture()
	v := r.VideoStream()
	require.NotNil(t, v)
	assert.Equal(t, "h264", v.CodecName)

	empty := &ProbeResult{}
	assert.Nil(t, empty.VideoStream())
}

func TestStreamsByType(t *testing.T) {
	r := probeFixture()
	assert.Len(t, r.StreamsByType("audio"), 2)
	assert.Len(t, r.StreamsByType("subtitle"), 1)
	assert.Empty(t, r.StreamsByType("attachment"))
}

func TestFrameRatePrefersAverage(t *testing.T) {
	r := probeFixture()
	assert.Equal(t, 25.0, r.FrameRate())

	// Fall back to r_frame_rate when the average is unusable.
	r.Streams[0].AvgFrameRate = "0/0"
	r.Streams[0].RFrameRate = "24000/1001"
	assert.Equal(t, 23.976, r.FrameRate())
}

func TestFrameCount(t *testing.T) {
	r := probeFixture()

	// Estimated from duration when the container carries no count.
	assert.Equal(t, 250, r.FrameCount())

	r.Streams[0].NumFrames = "240"
	assert.Equal(t, 240, r.FrameCount())

	r.Streams[0].NumFrames = ""
	r.Format.Duration = ""
	assert.Equal(t, 0, r.FrameCount())
}

func TestLanguage(t *testing.T) {
	r := probeFixture()
	assert.Equal(t, "eng", r.Streams[1].Language())
	assert.Equal(t, "und", r.Streams[2].Language())
	assert.Equal(t, "ger", r.Streams[3].Language())
}
